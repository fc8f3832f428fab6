// Package logx is the structured logging layer of antigravity.
//
// A thin wrapper (logx.Logger) over zerolog:
//   - console output with short timestamps and file:line callers
//   - optional JSON file sink (the batch run audit log lands here too)
//   - level and sinks swappable at runtime through Service.Apply
package logx
