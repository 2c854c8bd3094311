package mcpbridge

import (
	"log/slog"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// BridgeLogLevel is the dynamic log level backing the bridge's own slog
// handler (wired in cmd/ via slog.HandlerOptions{Level: BridgeLogLevel}), so
// that SetLogLevel (spec §4.5) can adjust verbosity at runtime without
// restarting the logger.
var BridgeLogLevel = new(slog.LevelVar)

func setBridgeLogLevel(level mcpgo.LoggingLevel) {
	BridgeLogLevel.Set(mcpLevelToSlog(level))
}

func mcpLevelToSlog(level mcpgo.LoggingLevel) slog.Level {
	switch level {
	case mcpgo.LoggingLevelDebug:
		return slog.LevelDebug
	case mcpgo.LoggingLevelInfo, mcpgo.LoggingLevelNotice:
		return slog.LevelInfo
	case mcpgo.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
