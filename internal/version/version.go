// 包 version：构建时通过 -ldflags -X 注入的版本信息
package version

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = ""
)

// String：用于 -version 输出与启动日志
func String() string {
	s := Version + " (" + Commit
	if Date != "" {
		s += ", " + Date
	}
	return s + ")"
}
