package main

import (
	"fmt"

	"github.com/mdcloud/mdcloud/internal/version"
)

// printVersion 输出版本与提交信息，第二行为 Server 头使用的节点标识。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintln(stdOut, version.Identifier())
}
