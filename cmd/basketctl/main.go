package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const usage = `用法: basketctl [-addr URL] <命令> [参数]

命令:
  basket <id>            查看篮子持仓
  baskets <owner>        列出 owner 的全部篮子
  operators              查看引擎依赖的 operator 及缓存状态
  fees                   查看手续费配置
  events [type] [id]     查看最近事件，可按类型与篮子过滤
  rebuild                重建 operator 缓存（需要 BASKET_SERVER_ADMIN_TOKEN）
`

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", envOr("BASKETCTL_ADDR", "http://127.0.0.1:8080"), "basketd 地址")
	timeout := flag.Duration("timeout", 10*time.Second, "请求超时")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		base:  *addr,
		token: os.Getenv("BASKET_SERVER_ADMIN_TOKEN"),
		http:  &http.Client{Timeout: *timeout},
	}
	ctx := context.Background()
	if err := run(ctx, c, os.Stdout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "basketctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
