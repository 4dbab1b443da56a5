package protocol

import "errors"

// 错误类型。各层使用 fmt.Errorf("...: %w", ErrXxx) 包装，调用方用 errors.Is 判断
var (
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrChannelDisabled   = errors.New("channel disabled")
	ErrConnection        = errors.New("connection error")
	ErrWrite             = errors.New("write error")
	ErrRead              = errors.New("read error")
	ErrMalformedPreamble = errors.New("malformed preamble")
	ErrMalformedReply    = errors.New("malformed reply")
	ErrFraming           = errors.New("framing error")
	ErrFormatMismatch    = errors.New("format mismatch")
	ErrLengthMismatch    = errors.New("length mismatch")
	ErrNoData            = errors.New("no data")
)

var kinds = []struct {
	err   error
	label string
}{
	{ErrInvalidChannel, "invalid_channel"},
	{ErrChannelDisabled, "channel_disabled"},
	{ErrConnection, "connection"},
	{ErrWrite, "write"},
	{ErrRead, "read"},
	{ErrMalformedPreamble, "malformed_preamble"},
	{ErrMalformedReply, "malformed_reply"},
	{ErrFraming, "framing"},
	{ErrFormatMismatch, "format_mismatch"},
	{ErrLengthMismatch, "length_mismatch"},
	{ErrNoData, "no_data"},
}

// Kind 返回错误类型标签，用于日志、指标和存储记录
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "unknown"
}

// IsTransient 传输层错误可重试一次
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrWrite) ||
		errors.Is(err, ErrRead)
}
