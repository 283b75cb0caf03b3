package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// V4L2Backend はv4l2-ctl / ffmpegを使う本番バックエンド実装
type V4L2Backend struct{}

// NewV4L2Backend は新しいV4L2Backendを作成する
func NewV4L2Backend() *V4L2Backend {
	return &V4L2Backend{}
}

// Supported はV4L2デバイスが存在する環境かを返す
func (b *V4L2Backend) Supported() bool {
	matches, err := filepath.Glob("/dev/video*")
	return err == nil && len(matches) > 0
}

// RequestPermission はデバイスファイルの読み取り権限を確認する
// 権限ダイアログはホスト側の責務のため、ここでは実アクセスを試すだけ
func (b *V4L2Backend) RequestPermission(_ context.Context) (bool, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil || len(matches) == 0 {
		return false, nil
	}

	file, err := os.OpenFile(matches[0], os.O_RDONLY, 0)
	if err != nil {
		return false, nil
	}
	_ = file.Close()
	return true, nil
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (b *V4L2Backend) ScanDevices(ctx context.Context) ([]DeviceDescriptor, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []DeviceDescriptor
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !deviceAvailable(match) {
			continue
		}

		devices = append(devices, DeviceDescriptor{
			ID:             match,
			Name:           deviceName(ctx, match),
			DeviceClass:    readSysfsInt(match, "bDeviceClass"),
			DeviceSubclass: readSysfsInt(match, "bDeviceSubClass"),
			VendorID:       readSysfsHex(match, "idVendor"),
			ProductID:      readSysfsHex(match, "idProduct"),
		})
	}

	return devices, nil
}

// SupportedModes はv4l2-ctlでデバイスの広告フォーマット一覧を取得する
func (b *V4L2Backend) SupportedModes(ctx context.Context, deviceID string) ([]PreviewMode, error) {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", deviceID, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}

	return parseFormatList(string(output)), nil
}

// OpenPipeline はデバイスを指定モードで開きパイプラインを構築する
func (b *V4L2Backend) OpenPipeline(ctx context.Context, deviceID string, mode PreviewMode) (Pipeline, error) {
	if !deviceAvailable(deviceID) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", deviceID)
	}

	modes, err := b.SupportedModes(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return &v4l2Pipeline{
		devicePath: deviceID,
		modes:      modes,
		mode:       mode,
		frames:     make(chan []byte, 4),
		notifs:     make(chan Notification, 8),
	}, nil
}

// formatHeaderRe は "[0]: 'MJPG' (Motion-JPEG, compressed)" 形式の行
var formatHeaderRe = regexp.MustCompile(`\[\d+\]: '(\S{4})'`)

// discreteSizeRe は "Size: Discrete 1280x720" 形式の行
var discreteSizeRe = regexp.MustCompile(`Size: Discrete (\d+)x(\d+)`)

// parseFormatList はv4l2-ctl --list-formats-extの出力をパースする
func parseFormatList(output string) []PreviewMode {
	var modes []PreviewMode
	var currentFormat string

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if m := formatHeaderRe.FindStringSubmatch(line); m != nil {
			currentFormat = m[1]
			continue
		}
		if m := discreteSizeRe.FindStringSubmatch(line); m != nil && currentFormat != "" {
			width, _ := strconv.Atoi(m[1])
			height, _ := strconv.Atoi(m[2])
			modes = append(modes, PreviewMode{
				Width:       width,
				Height:      height,
				PixelFormat: currentFormat,
			})
		}
	}

	return modes
}

// deviceAvailable はデバイスファイルが存在し読み取れるかチェックする
func deviceAvailable(device string) bool {
	if _, err := os.Stat(device); os.IsNotExist(err) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer func() {
		_ = file.Close()
	}()

	matched, _ := regexp.MatchString(`^/dev/video\d+$`, device)
	return matched
}

// deviceName はv4l2-ctlで実際のカメラ名を取得する
func deviceName(ctx context.Context, device string) string {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info")
	output, err := cmd.Output()
	if err == nil {
		for _, line := range strings.Split(string(output), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "Card type") {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					if name := strings.TrimSpace(parts[1]); name != "" {
						return name
					}
				}
			}
		}
	}

	// フォールバック: デバイス番号から生成
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// readSysfsHex はsysfsの16進属性（idVendor等）を読み取る
func readSysfsHex(device, attribute string) int {
	value := readSysfsAttr(device, attribute)
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 16, 32)
	if err != nil {
		return 0
	}
	return int(parsed)
}

// readSysfsInt はsysfsの整数属性を読み取る
func readSysfsInt(device, attribute string) int {
	value := readSysfsAttr(device, attribute)
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}

// readSysfsAttr はUSBデバイスのsysfs属性を読み取る
// /sys/class/video4linux/videoN/device はUSBインターフェースを指すため、
// 親ディレクトリのデバイス記述子属性を参照する
func readSysfsAttr(device, attribute string) string {
	name := filepath.Base(device)
	path := filepath.Join("/sys/class/video4linux", name, "device", "..", attribute)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	re := regexp.MustCompile(`video(\d+)`)
	matches := re.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// v4l2Pipeline はffmpegのMJPEGストリームを使うパイプライン実装
// ストリームの読み取りは専用ゴルーチンで行い、Stop時には
// プロセス終了とゴルーチンの完了を待ってからチャンネルをクローズする
type v4l2Pipeline struct {
	devicePath string
	modes      []PreviewMode

	frames chan []byte
	notifs chan Notification

	mu           sync.Mutex
	mode         PreviewMode
	running      bool
	closed       bool
	streamCancel context.CancelFunc
	streamWG     sync.WaitGroup

	latestMu sync.RWMutex
	latest   []byte

	recordMu  sync.Mutex
	recordCmd *exec.Cmd
	recordIn  io.WriteCloser
}

// Start はffmpegストリームを開始する
func (p *v4l2Pipeline) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("破棄済みのパイプラインは開始できません")
	}
	if p.running {
		return nil
	}

	if err := p.startStreamLocked(); err != nil {
		return err
	}
	p.running = true
	return nil
}

// Stop はストリームを同期的に停止しチャンネルをクローズする
func (p *v4l2Pipeline) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	if p.running {
		p.stopStreamLocked()
		p.running = false
	}

	p.closed = true
	close(p.frames)
	close(p.notifs)
	return nil
}

// startStreamLocked はffmpegプロセスと読み取りゴルーチンを開始する（ロック済み前提）
func (p *v4l2Pipeline) startStreamLocked() error {
	streamCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(streamCtx, "ffmpeg",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", p.mode.Width, p.mode.Height),
		"-i", p.devicePath,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	p.streamCancel = cancel
	p.streamWG.Add(1)
	go p.readFrames(streamCtx, cmd, stdout)

	return nil
}

// stopStreamLocked はffmpegプロセスを止め読み取りゴルーチンを待つ（ロック済み前提）
func (p *v4l2Pipeline) stopStreamLocked() {
	if p.streamCancel != nil {
		p.streamCancel()
		p.streamCancel = nil
	}
	p.streamWG.Wait()
}

// readFrames はffmpeg出力からJPEGフレームを切り出して配信する
func (p *v4l2Pipeline) readFrames(ctx context.Context, cmd *exec.Cmd, stdout io.Reader) {
	defer p.streamWG.Done()
	defer func() {
		_ = cmd.Wait() // キャンセル時のエラーは無視
	}()

	buffer := make([]byte, 1024*1024)
	frameBuffer := bytes.Buffer{}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := stdout.Read(buffer)
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				p.emitError("streamReadFailed", fmt.Sprintf("フレーム読み取りエラー: %v", err))
			}
			return
		}

		frameBuffer.Write(buffer[:n])

		// JPEGマーカーでフレームを分割する
		for {
			data := frameBuffer.Bytes()

			startIdx := bytes.Index(data, []byte{0xFF, 0xD8})
			if startIdx == -1 {
				break
			}

			endIdx := bytes.Index(data[startIdx+2:], []byte{0xFF, 0xD9})
			if endIdx == -1 {
				// 完全なフレームがまだない
				if startIdx > 0 {
					frameBuffer.Reset()
					frameBuffer.Write(data[startIdx:])
				}
				break
			}

			endIdx += startIdx + 2 + 2
			frame := make([]byte, endIdx-startIdx)
			copy(frame, data[startIdx:endIdx])

			p.handleFrame(frame)

			remaining := data[endIdx:]
			frameBuffer.Reset()
			if len(remaining) > 0 {
				frameBuffer.Write(remaining)
			} else {
				break
			}
		}
	}
}

// handleFrame は切り出した1フレームを配信・保持・録画へ回す
func (p *v4l2Pipeline) handleFrame(frame []byte) {
	p.latestMu.Lock()
	p.latest = frame
	p.latestMu.Unlock()

	p.feedRecording(frame)

	// 未消費のフレームはキューせず破棄する
	select {
	case p.frames <- frame:
	default:
	}
}

// emitError はランタイムエラー通知を発行する
func (p *v4l2Pipeline) emitError(errorType, reason string) {
	select {
	case p.notifs <- Notification{
		Kind:      NotificationError,
		ErrorType: errorType,
		Reason:    reason,
	}:
	default:
	}
}

// Frames はフレームチャンネルを返す
func (p *v4l2Pipeline) Frames() <-chan []byte {
	return p.frames
}

// Notifications は通知チャンネルを返す
func (p *v4l2Pipeline) Notifications() <-chan Notification {
	return p.notifs
}

// SupportedModes は広告モード一覧を返す
func (p *v4l2Pipeline) SupportedModes() []PreviewMode {
	modes := make([]PreviewMode, len(p.modes))
	copy(modes, p.modes)
	return modes
}

// CurrentMode は現在のモードを返す
func (p *v4l2Pipeline) CurrentMode() PreviewMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode はデバイス設定をロックしてフォーマットを切り替える
// 実行中の場合はストリームを再起動し、次フレームから新ジオメトリで配信する
func (p *v4l2Pipeline) SetMode(_ context.Context, mode PreviewMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("破棄済みのパイプラインです")
	}

	p.mode = mode

	if p.running {
		p.stopStreamLocked()
		if err := p.startStreamLocked(); err != nil {
			p.running = false
			return fmt.Errorf("新モードでのストリーム再開に失敗: %w", err)
		}
	}
	return nil
}

// CapturePhoto は静止画を非同期に書き出す
// ストリーミング中の最新フレームを利用し、未到着の場合は
// ffmpegでの単発キャプチャにフォールバックする
func (p *v4l2Pipeline) CapturePhoto(ctx context.Context, path string) <-chan error {
	done := make(chan error, 1)

	go func() {
		p.latestMu.RLock()
		latest := p.latest
		p.latestMu.RUnlock()

		if latest != nil {
			done <- os.WriteFile(path, latest, 0644)
			return
		}
		done <- p.captureSingleFrame(ctx, path)
	}()

	return done
}

// captureSingleFrame はffmpegで1フレームをJPEGとしてキャプチャする
func (p *v4l2Pipeline) captureSingleFrame(ctx context.Context, path string) error {
	captureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()

	cmd := exec.CommandContext(captureCtx, "ffmpeg",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", mode.Width, mode.Height),
		"-i", p.devicePath,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2",
		"-y",
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("静止画キャプチャに失敗: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

// StartRecording はMJPEGストリームをmp4へ変換するffmpegプロセスを開始する
// 配信中のフレームを標準入力経由で供給するため、デバイスの二重オープンを避けられる
func (p *v4l2Pipeline) StartRecording(_ context.Context, path string, _ PreviewMode) error {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()

	if p.recordCmd != nil {
		return fmt.Errorf("既に録画プロセスが動作しています")
	}

	cmd := exec.Command("ffmpeg",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-y",
		path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("録画プロセスの起動に失敗: %w", err)
	}

	p.recordCmd = cmd
	p.recordIn = stdin
	return nil
}

// StopRecording は録画入力を閉じてファイルを確定する
func (p *v4l2Pipeline) StopRecording(_ context.Context) error {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()

	if p.recordCmd == nil {
		return nil
	}

	_ = p.recordIn.Close()
	err := p.recordCmd.Wait()
	p.recordCmd = nil
	p.recordIn = nil

	if err != nil {
		return fmt.Errorf("録画ファイルの確定に失敗: %w", err)
	}
	return nil
}

// feedRecording は録画中であればフレームを録画プロセスへ供給する
func (p *v4l2Pipeline) feedRecording(frame []byte) {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()

	if p.recordIn == nil {
		return
	}
	if _, err := p.recordIn.Write(frame); err != nil {
		// 書き込みエラーは録画の失敗としてイベント経路で報告する
		p.emitError("recordingFailed", fmt.Sprintf("録画フレームの書き込みに失敗: %v", err))
		_ = p.recordIn.Close()
		_ = p.recordCmd.Wait()
		p.recordCmd = nil
		p.recordIn = nil
	}
}

// Close はパイプラインを破棄しデバイスを解放する
func (p *v4l2Pipeline) Close(ctx context.Context) error {
	if err := p.StopRecording(ctx); err != nil {
		return err
	}
	return p.Stop(ctx)
}
