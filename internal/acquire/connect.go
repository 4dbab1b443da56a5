package acquire

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/transport"
	"scope-acquisition/pkg/protocol"
)

// Connect 打开会话并创建 Acquirer。profile 为空或 auto 时根据 *IDN? 应答识别仪器系列
func Connect(ctx context.Context, opener transport.Opener, address, profile string, width int,
	opts Options, log *logrus.Logger) (*Acquirer, error) {
	session, err := opener.Open(ctx, address)
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(profile)
	if name == "" || name == instrument.ProfileAuto {
		idn, err := transport.Query(ctx, session, protocol.QueryIdentity)
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("识别仪器 %s: %w", address, err)
		}
		if name, err = instrument.Detect(idn); err != nil {
			session.Close()
			return nil, err
		}
		log.WithField("instrument", opts.Name).Infof("识别为 %s: %s", name, idn)
	}

	p, err := instrument.New(name, width)
	if err != nil {
		session.Close()
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = address
	}
	return New(session, p, opts, log), nil
}
