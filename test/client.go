package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"scope-acquisition/internal/transport"
)

func main() {
	host := flag.String("host", "TCPIP::localhost::5025::SOCKET", "仪器地址")
	timeout := flag.Duration("timeout", 2*time.Second, "读取超时")
	count := flag.Int("count", 1, "重复次数")
	flag.Parse()

	commands := flag.Args()
	if len(commands) == 0 {
		commands = []string{"*IDN?"}
	}

	ctx := context.Background()
	s, err := transport.NewDialer(*timeout, 0, nil).Open(ctx, *host)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer s.Close()

	fmt.Printf("已连接到: %s\n", *host)

	for i := 0; i < *count; i++ {
		for _, cmd := range commands {
			if err := s.Write(ctx, []byte(cmd)); err != nil {
				log.Printf("发送失败: %v", err)
				return
			}
			fmt.Printf("[%d] 发送: %s\n", i+1, cmd)

			if !strings.HasSuffix(strings.Fields(cmd)[0], "?") {
				continue
			}
			// 非数据块应答原样返回
			reply, err := s.ReadBlock(ctx, 0)
			if err != nil {
				log.Printf("读取失败: %v", err)
				continue
			}
			printReply(reply)
		}
	}

	fmt.Println("发送完成")
}

// printReply 文本应答直接显示，二进制应答显示前 64 字节
func printReply(reply []byte) {
	text := strings.TrimRight(string(reply), "\r\n")
	if len(reply) > 0 && reply[0] != '#' && strings.IndexFunc(text, func(r rune) bool { return r < 0x20 || r > 0x7e }) < 0 {
		fmt.Printf("    应答: %s\n", text)
		return
	}
	shown := reply
	if len(shown) > 64 {
		shown = shown[:64]
	}
	fmt.Printf("    应答 %d 字节: % x\n", len(reply), shown)
}
