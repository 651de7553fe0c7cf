// Package logfields centralizes canonical structured-log field names so the
// same key is used for the same concept across packages.
package logfields

import "log/slog"

const (
	KeyPR          = "pr"
	KeyBuilder     = "builder"
	KeyBuilderID   = "builder_id"
	KeyBRID        = "brid"
	KeyBuildNumber = "build_number"
	KeyHeadSHA     = "head_sha"
	KeyState       = "state"
	KeyIteration   = "iteration"
	KeyRequestID   = "request_id"
	KeyMethod      = "method"
	KeyPath        = "path"
	KeyStatus      = "status"
	KeyRemoteAddr  = "remote_addr"
	KeyUser        = "user"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func PR(prid int64) slog.Attr          { return slog.Int64(KeyPR, prid) }
func Builder(name string) slog.Attr    { return slog.String(KeyBuilder, name) }
func BuilderID(bid int64) slog.Attr    { return slog.Int64(KeyBuilderID, bid) }
func BRID(brid int64) slog.Attr        { return slog.Int64(KeyBRID, brid) }
func BuildNumber(n int64) slog.Attr    { return slog.Int64(KeyBuildNumber, n) }
func HeadSHA(sha string) slog.Attr     { return slog.String(KeyHeadSHA, sha) }
func State(s string) slog.Attr         { return slog.String(KeyState, s) }
func Iteration(id string) slog.Attr    { return slog.String(KeyIteration, id) }
func RequestID(id string) slog.Attr    { return slog.String(KeyRequestID, id) }
func Method(m string) slog.Attr        { return slog.String(KeyMethod, m) }
func Path(p string) slog.Attr          { return slog.String(KeyPath, p) }
func Status(code int) slog.Attr        { return slog.Int(KeyStatus, code) }
func RemoteAddr(addr string) slog.Attr { return slog.String(KeyRemoteAddr, addr) }
func User(u string) slog.Attr          { return slog.String(KeyUser, u) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
