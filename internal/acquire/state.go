package acquire

import "scope-acquisition/pkg/protocol"

// State 单通道采集状态
type State int

const (
	// 发送通道检查、源选择、格式设置和前导查询
	StateRequesting State = iota
	// 读取前导和数据块并解码
	StateAwaitingReply
	StateDecoded
	// 传输错误，整个序列将重新执行一次
	StateRetryPending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateDecoded:
		return "decoded"
	case StateRetryPending:
		return "retry_pending"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateDecoded || s == StateFailed
}

// Next 根据当前阶段的结果返回下一状态。retriesLeft 为剩余重试次数
func Next(s State, err error, retriesLeft int) State {
	switch s {
	case StateRequesting, StateAwaitingReply:
		if err != nil {
			if protocol.IsTransient(err) && retriesLeft > 0 {
				return StateRetryPending
			}
			return StateFailed
		}
		if s == StateRequesting {
			return StateAwaitingReply
		}
		return StateDecoded
	case StateRetryPending:
		return StateRequesting
	}
	return s
}
