package transport

import (
	"context"
	"fmt"

	"go.bug.st/serial/enumerator"

	"scope-acquisition/pkg/protocol"
)

// Identity 一个地址的 *IDN? 查询结果
type Identity struct {
	Address string
	IDN     string
	Err     error
}

// Discover 依次打开每个地址并查询 *IDN?，单个地址失败不影响其他地址
func Discover(ctx context.Context, opener Opener, addresses []string) []Identity {
	ids := make([]Identity, 0, len(addresses))
	for _, addr := range addresses {
		id := Identity{Address: addr}
		id.IDN, id.Err = identify(ctx, opener, addr)
		ids = append(ids, id)
	}
	return ids
}

func identify(ctx context.Context, opener Opener, addr string) (string, error) {
	s, err := opener.Open(ctx, addr)
	if err != nil {
		return "", err
	}
	defer s.Close()
	return Query(ctx, s, protocol.QueryIdentity)
}

// Candidate 本机可用的串口
type Candidate struct {
	Address     string
	Description string
}

// SerialCandidates 列出本机串口，地址为 ASRL<path>::INSTR
func SerialCandidates() ([]Candidate, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("枚举串口失败: %w", err)
	}

	var list []Candidate
	for _, p := range ports {
		desc := p.Name
		if p.IsUSB {
			desc = fmt.Sprintf("USB %s:%s %s %s", p.VID, p.PID, p.Product, p.SerialNumber)
		}
		list = append(list, Candidate{
			Address:     "ASRL" + p.Name + "::INSTR",
			Description: desc,
		})
	}
	return list, nil
}
