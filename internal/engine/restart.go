package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout 表示重启命令超时。
var ErrTimeout = errors.New("command timed out")

// Restarter 让前端服务重新加载网页内容。
type Restarter interface {
	Restart(ctx context.Context) error
}

// RestarterFunc 将普通函数适配为 Restarter。
type RestarterFunc func(ctx context.Context) error

// Restart 调用 f。
func (f RestarterFunc) Restart(ctx context.Context) error { return f(ctx) }

// CommandRestarter 同步执行一条外部命令，例如 systemctl restart trim_nginx。
type CommandRestarter struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// NewCommandRestarter 将命令行按空白拆分为程序名与参数。
func NewCommandRestarter(command string, timeout time.Duration) (*CommandRestarter, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty restart command")
	}
	return &CommandRestarter{Name: fields[0], Args: fields[1:], Timeout: timeout}, nil
}

// Restart 执行命令，非零退出码或超时以错误返回，错误中附带 stderr 内容。
func (c *CommandRestarter) Restart(ctx context.Context) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// String 返回完整命令行。
func (c *CommandRestarter) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}
