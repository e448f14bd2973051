// Package daemon drains the outbox against the remote store and keeps local
// edits flowing upstream.
//
// The pieces:
//   - Processor delivers due mutations one page at a time. Only one pass
//     runs at once; overlapping triggers are skipped.
//   - Waker coalesces wake conditions (periodic, online, visible, focus,
//     mutation, background, manual) into a single pending signal.
//   - NetworkMonitor probes the remote and reports offline/online
//     transitions.
//   - SignalWatcher turns files written to a signal directory into wake
//     conditions, so the CLI or another process can wake a running daemon.
//   - Debouncer and Saver implement the debounced save path used for
//     high-frequency edits.
//   - Daemon wires them together with periodic cleanup.
//
// Basic usage:
//
//	waker := daemon.NewWaker()
//	proc := daemon.NewProcessor(log, remoteClient, daemon.ProcessorOptions{ClientID: id})
//	go proc.Run(ctx, waker, 30*time.Second)
//	waker.Notify(daemon.ConditionManual)
package daemon
