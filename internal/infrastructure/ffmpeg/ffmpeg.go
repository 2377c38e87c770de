// Package ffmpeg 封装对外部 ffmpeg 进程的调用，把上传的视频按预设档位转码。
// 转码 worker 经由 Transcoder 接口使用本包，测试里替换为假实现。
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// ErrUnknownProfile 表示请求了未配置的转码档位。
var ErrUnknownProfile = errors.New("unknown transcode profile")

// DefaultProfile 是视频上传确认后默认入队的转码档位。
const DefaultProfile = "mp4-h264-720p"

// profiles 把档位名映射为 ffmpeg 参数。输入输出路径由调用处拼接。
var profiles = map[string][]string{
	"mp4-h264-720p": {
		"-c:v", "libx264", "-preset", "medium", "-crf", "23",
		"-vf", "scale=-2:720",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
	},
	"mp4-h264-480p": {
		"-c:v", "libx264", "-preset", "medium", "-crf", "26",
		"-vf", "scale=-2:480",
		"-c:a", "aac", "-b:a", "96k",
		"-movflags", "+faststart",
	},
}

// KnownProfile 判断档位是否受支持。
func KnownProfile(name string) bool {
	_, ok := profiles[name]
	return ok
}

// Input 描述一次转码的来源流与目标档位。
type Input struct {
	Source  io.Reader
	Profile string
}

// Output 描述转码产物：本地临时文件路径与大小。
// 调用方负责在上传完成后 Cleanup。
type Output struct {
	Path        string
	Size        int64
	ContentType string
}

// Open 打开产物文件供读取上传。
func (o *Output) Open() (*os.File, error) {
	return os.Open(o.Path)
}

// Cleanup 删除产物临时文件。
func (o *Output) Cleanup() {
	if o != nil && o.Path != "" {
		_ = os.Remove(o.Path)
	}
}

// Transcoder 抽象转码执行器。
type Transcoder interface {
	Transcode(ctx context.Context, input Input) (*Output, error)
}

// Config 是 ffmpeg 执行器的运行参数。
type Config struct {
	// Binary 是 ffmpeg 可执行文件路径，空值用 PATH 里的 ffmpeg。
	Binary string
	// WorkDir 是临时文件目录，空值用系统默认。
	WorkDir string
	// Timeout 是单次转码的最长执行时间。
	Timeout time.Duration
}

// Runner 是基于外部 ffmpeg 进程的 Transcoder 实现。
type Runner struct {
	cfg Config
	log *log.Helper
}

// NewRunner 构造 Runner。
func NewRunner(cfg Config, logger log.Logger) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Runner{cfg: cfg, log: log.NewHelper(logger)}
}

// Transcode 把来源流落盘、执行 ffmpeg、返回产物路径。
// 失败时错误里带上 stderr 末尾若干行，方便定位编码问题。
func (r *Runner) Transcode(ctx context.Context, input Input) (*Output, error) {
	args, ok := profiles[input.Profile]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, input.Profile)
	}

	src, err := os.CreateTemp(r.cfg.WorkDir, "transcode-src-*")
	if err != nil {
		return nil, fmt.Errorf("create source temp: %w", err)
	}
	defer func() {
		_ = src.Close()
		_ = os.Remove(src.Name())
	}()
	if _, err := io.Copy(src, input.Source); err != nil {
		return nil, fmt.Errorf("spool source: %w", err)
	}
	if err := src.Close(); err != nil {
		return nil, fmt.Errorf("flush source temp: %w", err)
	}

	dstPath := filepath.Join(tempDir(r.cfg.WorkDir), fmt.Sprintf("transcode-out-%d.mp4", time.Now().UnixNano()))

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmdArgs := append([]string{"-hide_banner", "-y", "-i", src.Name()}, args...)
	cmdArgs = append(cmdArgs, dstPath)
	cmd := exec.CommandContext(runCtx, r.cfg.Binary, cmdArgs...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		_ = os.Remove(dstPath)
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg %s: %w", input.Profile, runCtx.Err())
		}
		return nil, fmt.Errorf("ffmpeg %s: %w: %s", input.Profile, err, stderrTail(stderr.String()))
	}

	info, err := os.Stat(dstPath)
	if err != nil {
		return nil, fmt.Errorf("stat output: %w", err)
	}
	r.log.WithContext(ctx).Infof("transcode done: profile=%s size=%d elapsed=%s", input.Profile, info.Size(), time.Since(start).Round(time.Millisecond))

	return &Output{Path: dstPath, Size: info.Size(), ContentType: "video/mp4"}, nil
}

func tempDir(dir string) string {
	if dir != "" {
		return dir
	}
	return os.TempDir()
}

// stderrTail 截取 stderr 最后几行，完整输出对排障没有增量。
func stderrTail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	const keep = 5
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	return strings.Join(lines, " | ")
}
