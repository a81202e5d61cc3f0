package main

import "log/slog"

// discardLogger is used only to satisfy dyncconfig's Load* signature before
// the real logger (built from the loaded config's log_level/log_format) exists.
func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
