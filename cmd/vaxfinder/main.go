// Command vaxfinder はワクチン接種予約の空き状況を監視し、登録されたトラッカーに通知する。
//
// Usage:
//
//	vaxfinder                 更新ワーカーを起動する（workerと同じ）
//	vaxfinder worker          更新ワーカーと運用HTTPサーバーを起動する
//	vaxfinder migrate         データベースマイグレーションを適用する
//	vaxfinder healthcheck     運用HTTPサーバーの /health を確認する
//	vaxfinder tracker add --user U --address A --radius 10 --target URL
//	vaxfinder tracker list --user U
//	vaxfinder tracker clear --user U
//	vaxfinder tracker reset TRACKER_ID
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GreenCappuccino/VaxFinder/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
