package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "1.2.2"
	Commit  = "dev"
)

// Build 是上报给控制面的协议构建号，控制面据此判断是否需要升级。
const Build = 29

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("mdcloud %s (build %d, %s)", Version, Build, Commit)
}

// Identifier 同时用作 Server 响应头与控制面请求的 User-Agent。
func Identifier() string {
	return fmt.Sprintf("MangaDex@Cloud %s (%d)", Version, Build)
}
