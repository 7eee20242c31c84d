package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hitushen/fnshortcut/internal/fsutil"
	"github.com/hitushen/fnshortcut/internal/models"
)

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644
)

// ProgressLog 接收安装与还原过程中的进度日志。
type ProgressLog interface {
	Logf(text string) string
}

// Layout 描述参与安装的全部路径。
type Layout struct {
	WebRoot        string // 在线网页根目录
	StagingDir     string // 网页根目录的工作副本
	PrimaryArchive string // 当前备份包
	RotatedArchive string // 上一代备份包
	AssetDir       string // 待注入脚本及其资源所在目录
	AssetName      string // 资源目录在网页根目录中的名称
	ScriptName     string
	EntryHTML      string
}

// Options 控制 Engine 的可选行为。
type Options struct {
	// Extract 为 true 时，重启前先把备份包解压到在线网页根目录。
	Extract bool
	Now     func() time.Time
}

// Engine 执行安装与还原流程。每个步骤独立检查前置条件，
// 失败只记录日志并继续后续步骤。
type Engine struct {
	layout    Layout
	log       ProgressLog
	restarter Restarter
	injector  *Injector
	extract   bool
	now       func() time.Time
	ready     atomic.Bool
}

// New 创建 Engine。
func New(layout Layout, log ProgressLog, restarter Restarter, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		layout:    layout,
		log:       log,
		restarter: restarter,
		injector:  NewInjector(layout.AssetName, layout.ScriptName),
		extract:   opts.Extract,
		now:       now,
	}
}

// Layout 返回 Engine 使用的路径布局。
func (e *Engine) Layout() Layout { return e.layout }

// errSkipped 表示步骤因前置条件缺失而跳过，计为警告而非失败。
var errSkipped = errors.New("skipped")

type runner struct {
	log    ProgressLog
	report models.Report
}

func (r *runner) step(name string, fn func() error) {
	r.log.Logf("开始" + name + "...")
	err := fn()
	switch {
	case err == nil:
		r.log.Logf(name + "完成")
	case errors.Is(err, errSkipped):
		r.report.Warnings++
	default:
		r.report.Failures++
		r.log.Logf(fmt.Sprintf("%s失败: %v", name, err))
	}
}

func (r *runner) warn(text string) error {
	r.log.Logf("警告: " + text)
	return errSkipped
}

// Install 备份网页根目录、注入脚本引用、打包并重启前端服务。
func (e *Engine) Install(ctx context.Context) models.Report {
	start := e.now()
	l := e.layout
	r := &runner{log: e.log, report: models.Report{Kind: models.RunInstall}}
	e.log.Logf("开始安装服务...")

	r.step("检查目录结构", func() error {
		if fsutil.IsDir(l.StagingDir) {
			return nil
		}
		if err := os.MkdirAll(l.StagingDir, dirPerm); err != nil {
			return err
		}
		e.log.Logf("创建目录: " + l.StagingDir)
		return os.Chmod(l.StagingDir, dirPerm)
	})

	r.step("复制文件", func() error {
		if !fsutil.IsDir(l.WebRoot) {
			return r.warn(fmt.Sprintf("源目录 %s 不存在", l.WebRoot))
		}
		e.log.Logf(fmt.Sprintf("复制: %s -> %s", l.WebRoot, l.StagingDir))
		if err := os.RemoveAll(l.StagingDir); err != nil {
			return err
		}
		if err := os.MkdirAll(l.StagingDir, dirPerm); err != nil {
			return err
		}
		return fsutil.CopyDir(l.WebRoot, l.StagingDir)
	})

	r.step("备份轮转", func() error {
		switch {
		case fsutil.Exists(l.RotatedArchive):
			e.log.Logf("备份文件已存在: " + l.RotatedArchive)
		case fsutil.Exists(l.PrimaryArchive):
			if err := os.Rename(l.PrimaryArchive, l.RotatedArchive); err != nil {
				return err
			}
			e.log.Logf(fmt.Sprintf("备份文件: %s -> %s", l.PrimaryArchive, l.RotatedArchive))
		default:
			e.log.Logf("未发现旧备份包，跳过轮转")
		}
		return nil
	})

	r.step("处理HTML文件", func() error {
		entry := filepath.Join(l.StagingDir, l.EntryHTML)
		if !fsutil.Exists(entry) {
			return r.warn("文件不存在: " + entry)
		}
		content, err := os.ReadFile(entry)
		if err != nil {
			return err
		}
		out, changed, err := e.injector.Inject(content, e.now().UnixMilli())
		if err != nil {
			return err
		}
		if !changed {
			e.log.Logf(l.ScriptName + " 引用已存在，跳过修改")
			return nil
		}
		if err := fsutil.WriteFileAtomic(entry, out, filePerm); err != nil {
			return err
		}
		e.log.Logf("修改成功: " + entry)
		return nil
	})

	r.step("复制脚本资源", func() error {
		if !fsutil.IsDir(l.AssetDir) {
			return r.warn("目录不存在: " + l.AssetDir)
		}
		dest := filepath.Join(l.StagingDir, l.AssetName)
		e.log.Logf(fmt.Sprintf("复制: %s -> %s", l.AssetDir, dest))
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		if err := fsutil.CopyDir(l.AssetDir, dest); err != nil {
			return err
		}
		return fsutil.NormalizeTree(dest, dirPerm, filePerm)
	})

	r.step("创建备份包", func() error {
		if !fsutil.IsDir(l.StagingDir) {
			return r.warn("目录不存在: " + l.StagingDir)
		}
		if err := PackDir(l.StagingDir, l.PrimaryArchive, filePerm); err != nil {
			return err
		}
		e.log.Logf("创建备份: " + l.PrimaryArchive)
		return nil
	})

	if e.extract {
		r.step("发布网页文件", func() error { return e.deploy(r) })
	}

	r.step("重启桌面服务", func() error { return e.restarter.Restart(ctx) })

	e.ready.Store(true)
	e.log.Logf("服务安装完成！请刷新飞牛主页后使用")
	r.report.Duration = e.now().Sub(start)
	return r.report
}

func (e *Engine) deploy(r *runner) error {
	l := e.layout
	if !fsutil.Exists(l.PrimaryArchive) {
		return r.warn("文件不存在: " + l.PrimaryArchive)
	}
	if err := os.MkdirAll(l.WebRoot, dirPerm); err != nil {
		return err
	}
	return Unpack(l.PrimaryArchive, l.WebRoot)
}

// Restore 恢复上一代备份包、清理暂存与资源目录并移除脚本引用。
// 在未安装的系统上执行也不会出错。
func (e *Engine) Restore(ctx context.Context) models.Report {
	start := e.now()
	l := e.layout
	r := &runner{log: e.log, report: models.Report{Kind: models.RunRestore}}
	e.log.Logf("开始系统还原...")

	r.step("还原备份包", func() error {
		switch {
		case fsutil.Exists(l.RotatedArchive):
			e.log.Logf("发现备份文件，开始还原...")
			if fsutil.Exists(l.PrimaryArchive) {
				if err := os.Remove(l.PrimaryArchive); err != nil {
					return err
				}
				e.log.Logf("删除当前备份包")
			}
			if err := os.Rename(l.RotatedArchive, l.PrimaryArchive); err != nil {
				return err
			}
			e.log.Logf("还原备份文件")
		case fsutil.Exists(l.PrimaryArchive):
			e.log.Logf("发现ZIP主文件，使用其进行还原...")
		default:
			return r.warn("未找到备份文件，无法完全还原")
		}
		return nil
	})

	r.step("清理暂存目录", func() error {
		if !fsutil.Exists(l.StagingDir) {
			e.log.Logf("暂存目录不存在，跳过")
			return nil
		}
		return os.RemoveAll(l.StagingDir)
	})

	r.step("清理脚本资源目录", func() error {
		dir := filepath.Join(l.WebRoot, l.AssetName)
		if !fsutil.Exists(dir) {
			e.log.Logf("资源目录不存在，跳过")
			return nil
		}
		return os.RemoveAll(dir)
	})

	r.step("恢复入口HTML", func() error {
		entry := filepath.Join(l.WebRoot, l.EntryHTML)
		if !fsutil.Exists(entry) {
			e.log.Logf("文件不存在: " + entry)
			return nil
		}
		content, err := os.ReadFile(entry)
		if err != nil {
			return err
		}
		out, changed := e.injector.Strip(content)
		if !changed {
			e.log.Logf("未发现脚本引用，跳过")
			return nil
		}
		info, err := os.Stat(entry)
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(entry, out, info.Mode().Perm()); err != nil {
			return err
		}
		e.log.Logf("恢复原始" + l.EntryHTML + "文件")
		return nil
	})

	e.ready.Store(false)

	r.step("重启桌面服务", func() error { return e.restarter.Restart(ctx) })

	e.log.Logf("系统还原完成！")
	r.report.Duration = e.now().Sub(start)
	return r.report
}

// Ready 重新检查在线网页根目录：脚本文件存在且入口 HTML 引用了它。
// 结果不做缓存，外部手动修改后可自行纠正。
func (e *Engine) Ready() bool {
	l := e.layout
	ready := e.checkReady(l)
	e.ready.Store(ready)
	return ready
}

func (e *Engine) checkReady(l Layout) bool {
	script := filepath.Join(l.WebRoot, l.AssetName, l.ScriptName)
	info, err := os.Stat(script)
	if err != nil || info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(l.WebRoot, l.EntryHTML))
	if err != nil {
		return false
	}
	return e.injector.Present(content)
}

// LastKnownReady 返回最近一次流程或检查记录的就绪标志。
func (e *Engine) LastKnownReady() bool {
	return e.ready.Load()
}
