//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	redisContainer  = "fundcache-redis-dev"
	influxContainer = "fundcache-influxdb-dev"
	devRedisAddr    = "127.0.0.1:16379"
	reportDir       = "./reports"
)

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("fundcache 构建系统")
	fmt.Println("==================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build          - 构建 fundcache 二进制文件")
	fmt.Println("  mage test           - 运行单元测试与 Redis 后端测试")
	fmt.Println("  mage testUnit       - 运行单元测试")
	fmt.Println("  mage testRedis      - 在本地 Redis 容器上运行存储测试")
	fmt.Println("  mage benchmark      - 运行缓存基准测试")
	fmt.Println("  mage docker:env     - 启动 Redis 与 InfluxDB 容器")
	fmt.Println("  mage docker:down    - 停止并删除开发容器")
	fmt.Println("  mage clean          - 清理构建产物")
	fmt.Println("  mage lint           - 运行代码检查")
	fmt.Println("  mage coverage       - 生成测试覆盖率报告")
}

// Build 构建二进制文件
func Build() error {
	mg.Deps(Clean)

	fmt.Println("📦 构建 fundcache...")
	output := filepath.Join("./dist", "fundcache")
	if runtime.GOOS == "windows" {
		output += ".exe"
	}

	cmd := exec.Command("go", "build", "-o", output, "./cmd/fundcache")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("构建 fundcache 失败: %v\n输出: %s", err, string(out))
	}

	if info, err := os.Stat(output); err == nil {
		fmt.Printf("   ✅ fundcache: %d MB\n", info.Size()/1024/1024)
	}
	return nil
}

// Test 运行所有测试
func Test() error {
	mg.SerialDeps(TestUnit, TestRedis)
	return nil
}

// TestUnit 运行单元测试
func TestUnit() error {
	fmt.Println("🧪 运行单元测试...")

	cmd := exec.Command("go", "test", "./...", "-race", "-timeout=5m")
	cmd.Env = os.Environ()

	output, err := cmd.CombinedOutput()
	if err != nil {
		fmt.Printf("单元测试失败输出:\n%s\n", string(output))
		return fmt.Errorf("单元测试失败: %v", err)
	}

	fmt.Println("✅ 单元测试通过!")
	return nil
}

// TestRedis 在本地 Redis 容器上运行存储与缓存测试
func TestRedis() error {
	if !isRedisRunning() {
		fmt.Println("⚠️  Redis 容器未运行，跳过 Redis 后端测试 (mage docker:env 可启动)")
		return nil
	}

	fmt.Println("🔗 运行 Redis 后端测试...")
	cmd := exec.Command("go", "test", "./pkg/storage/...", "-run", "TestStore_", "-v", "-timeout=5m")
	cmd.Env = append(os.Environ(), "FUNDCACHE_REDIS_ADDR="+devRedisAddr)

	if output, err := cmd.CombinedOutput(); err != nil {
		fmt.Printf("Redis 后端测试失败输出:\n%s\n", string(output))
		return fmt.Errorf("Redis 后端测试失败: %v", err)
	}

	fmt.Println("✅ Redis 后端测试通过!")
	return nil
}

// Benchmark 运行缓存基准测试
func Benchmark() error {
	fmt.Println("📊 运行缓存基准测试...")

	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	outputFile, err := os.Create(filepath.Join(reportDir, "benchmark.txt"))
	if err != nil {
		return fmt.Errorf("创建基准测试报告失败: %v", err)
	}
	defer outputFile.Close()

	cmd := exec.Command("go", "test", "./pkg/cache", "-bench=.", "-benchmem", "-run=^$", "-timeout=15m")
	cmd.Env = os.Environ()
	cmd.Stdout = outputFile
	cmd.Stderr = outputFile

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("基准测试失败: %v", err)
	}

	fmt.Println("✅ 基准测试完成! 报告保存到 " + filepath.Join(reportDir, "benchmark.txt"))
	return nil
}

type Docker mg.Namespace

// Env 启动 Redis 与 InfluxDB 开发容器
func (Docker) Env() error {
	fmt.Println("🚀 启动开发环境 (redis, influxdb)...")
	if err := sh.RunV("docker", "run", "-d", "--rm", "--name", redisContainer,
		"-p", devRedisAddr+":6379", "redis:7-alpine"); err != nil {
		return err
	}
	return sh.RunV("docker", "run", "-d", "--rm", "--name", influxContainer,
		"-p", "127.0.0.1:18086:8086",
		"-e", "DOCKER_INFLUXDB_INIT_MODE=setup",
		"-e", "DOCKER_INFLUXDB_INIT_USERNAME=fundcache",
		"-e", "DOCKER_INFLUXDB_INIT_PASSWORD=fundcache-dev",
		"-e", "DOCKER_INFLUXDB_INIT_ORG=fundcache",
		"-e", "DOCKER_INFLUXDB_INIT_BUCKET=fundcache",
		"-e", "DOCKER_INFLUXDB_INIT_ADMIN_TOKEN=fundcache-dev-token",
		"influxdb:2.7")
}

// Down 停止开发容器
func (Docker) Down() error {
	fmt.Println("🛑 停止开发环境...")
	for _, name := range []string{redisContainer, influxContainer} {
		if err := sh.Run("docker", "stop", name); err != nil {
			fmt.Printf("警告: 停止 %s 失败: %v\n", name, err)
		}
	}
	return nil
}

// Status 查看开发容器状态
func (Docker) Status() error {
	return sh.RunV("docker", "ps", "--filter", "name=fundcache-")
}

// Clean 清理构建产物
func Clean() error {
	fmt.Println("🧹 清理构建产物...")

	if err := os.MkdirAll("./dist", 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}

	files, err := filepath.Glob("./dist/*")
	if err != nil {
		return fmt.Errorf("查找文件失败: %v", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			fmt.Printf("警告: 无法删除文件 %s: %v\n", file, err)
		}
	}

	if err := os.RemoveAll(filepath.Join(reportDir, "coverage.out")); err != nil && !os.IsNotExist(err) {
		fmt.Printf("警告: 清理覆盖率文件失败: %v\n", err)
	}

	fmt.Println("✅ 清理完成!")
	return nil
}

// Lint 检查格式并运行 go vet
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	output, err := sh.Output("gofmt", "-l", "cmd", "pkg")
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	if strings.TrimSpace(output) != "" {
		fmt.Printf("以下文件需要格式化:\n%s\n", output)
		if err := sh.Run("gofmt", "-w", "cmd", "pkg"); err != nil {
			return fmt.Errorf("自动修复失败: %v", err)
		}
		fmt.Println("✅ 代码格式已自动修复!")
	}

	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet 失败: %v", err)
	}

	fmt.Println("✅ 代码检查通过!")
	return nil
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")

	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}
	profile := filepath.Join(reportDir, "coverage.out")
	html := filepath.Join(reportDir, "coverage.html")

	cmd := exec.Command("go", "test", "./pkg/...", "-coverprofile="+profile, "-covermode=atomic")
	if output, err := cmd.CombinedOutput(); err != nil {
		fmt.Printf("测试输出:\n%s\n", string(output))
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}

	if err := sh.Run("go", "tool", "cover", "-html="+profile, "-o", html); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func="+profile); err != nil {
		return fmt.Errorf("显示覆盖率失败: %v", err)
	}

	fmt.Println("✅ 覆盖率报告生成完成!")
	fmt.Println("   详细报告: file://" + getAbsolutePath(html))
	return nil
}

func isRedisRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", redisContainer, "redis-cli", "ping")
	return cmd.Run() == nil
}

func getAbsolutePath(relativePath string) string {
	absPath, err := filepath.Abs(relativePath)
	if err != nil {
		return relativePath
	}
	return absPath
}
