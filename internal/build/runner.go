package build

import (
	"context"
	"os/exec"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// Runner 抽象一次站点构建的实际执行。
//
// 约定：
//   - 实现方必须尊重 ctx 的超时/取消；
//   - output 为构建过程的合并输出（stdout+stderr），用于历史记录与排错；
//   - err 需区分确定性失败与瞬时失败（merr.IsRetryableErr），供上层决定是否重试。
type Runner interface {
	Run(ctx context.Context) (output string, err error)
}

// CommandRunner 通过外部命令执行站点构建（例如静态站点生成器）。
type CommandRunner struct {
	// Command 为构建命令，Args 为其参数。
	Command string
	Args    []string

	// Dir 为构建的工作目录，为空时继承进程当前目录。
	Dir string
}

var _ Runner = (*CommandRunner)(nil)

// Run 实现 Runner。
func (r *CommandRunner) Run(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = r.Dir

	output, err := cmd.CombinedOutput()
	if err == nil || ctx.Err() != nil {
		return string(output), err
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// 脚本完整跑完但以非零码退出，重跑结果不会改变。
		return string(output), merr.WrapErrBuildFailed(r.Command, err)
	}
	// 进程未能正常启动或中途被打断，按瞬时环境问题处理。
	return string(output), merr.WrapErrIoFailed(r.Command, err)
}
