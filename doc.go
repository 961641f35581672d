// Package agentmux implements a local SSH-agent multiplexer for Windows.
//
// Two or more credential managers (canonically 1Password and Bitwarden) each
// implement an SSH agent that exposes the OpenSSH agent wire protocol over a
// single, globally-named Windows pipe; only one process may own that pipe at
// a time. agentmux owns a distinct pipe, presents a single merged agent to
// clients, and transparently activates the correct backend per request.
//
// # Architecture
//
// The library is organized into layers, leaves first:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  cmd/agentmuxd   CLI entrypoint, wiring                  │
//	├─────────────────────────────────────────────────────────┤
//	│  router          state machine: listing, signing, switch │
//	├─────────────────────────────────────────────────────────┤
//	│  mapping / failcache / hostmatch / config   router state │
//	├─────────────────────────────────────────────────────────┤
//	│  pipeserver / backendclient / procctl   collaborators    │
//	├─────────────────────────────────────────────────────────┤
//	│  wire / pipeconn   framing + transport (no policy)       │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick start
//
//	doc, err := config.Load(path)
//	persister := config.NewPersister(doc, path)
//	store := mapping.New(doc.KeyMappingValues(), persister, logger)
//	r := router.New(router.Config{
//	    Backends:       doc.Backends(),
//	    DefaultBackend: doc.DefaultAgent,
//	    HostHints:      doc.HostHintValues(),
//	}, store, failcache.New(ttl), procctl.New(logger), backendclient.New(doc.BackendPipeName, timeout), logger)
//	r.Start(ctx)
//	listener, err := pipeconn.Listen(doc.ProxyPipeName)
//	srv := pipeserver.New(listener, r, logger)
//	srv.Serve(ctx)
package agentmux
