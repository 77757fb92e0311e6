package uploader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"fwbridge/internal/board"
	"fwbridge/internal/monitor"
	"fwbridge/internal/port"
	"fwbridge/internal/port/porttest"
	"fwbridge/internal/protocol/bossa"
	"fwbridge/internal/protocol/esptool"
	"fwbridge/internal/protocol/stk500"
)

func fastManager() *Manager {
	m := NewManager()
	m.Timing = Timing{
		DTRPulse:    time.Millisecond,
		TouchSettle: time.Millisecond,
		ESPResetLow: time.Millisecond,
		ESPBootHold: time.Millisecond,
		ESPSettle:   time.Millisecond,
	}
	m.MonitorConfig = monitor.Config{
		Primary:         115200,
		Candidates:      []int{9600},
		PrimaryWindow:   20 * time.Millisecond,
		CandidateWindow: 20 * time.Millisecond,
	}
	m.tuneSTK500 = func(p *stk500.Programmer) {
		p.SyncDrain = 50 * time.Millisecond
		p.SyncRetryDelay = time.Millisecond
		p.RespTimeout = 100 * time.Millisecond
	}
	m.tuneBossa = func(f *bossa.Flasher) {
		f.AckTimeout = 20 * time.Millisecond
		f.CommitTimeout = 50 * time.Millisecond
		f.VersionTimeout = 50 * time.Millisecond
		f.EraseWait = time.Millisecond
		f.HandshakePause = time.Millisecond
		f.PayloadGap = 0
	}
	m.tuneESP = func(l *esptool.Loader) {
		l.SyncTimeout = 10 * time.Millisecond
		l.RespTimeout = 50 * time.Millisecond
		l.BeginTimeout = 50 * time.Millisecond
	}
	return m
}

// hexText encodes data as Intel HEX with 16-byte records.
func hexText(data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		sum := byte(len(chunk)) + byte(off>>8) + byte(off&0xFF)
		fmt.Fprintf(&b, ":%02X%04X00", len(chunk), off)
		for _, d := range chunk {
			fmt.Fprintf(&b, "%02X", d)
			sum += d
		}
		fmt.Fprintf(&b, "%02X\n", byte(0)-sum)
	}
	b.WriteString(":00000001FF\n")
	return b.String()
}

// avrScript scripts a full STK500 exchange for data.
func avrScript(data []byte) []porttest.Exchange {
	ackPair := []byte{stk500.RespInSync, stk500.RespOK}
	var script []porttest.Exchange
	add := func(cmd []byte) {
		script = append(script, porttest.Exchange{Expect: cmd, Reply: ackPair})
	}
	add([]byte{stk500.CmdGetSync, stk500.SyncCRCEOP})
	add([]byte{stk500.CmdEnterProgmode, stk500.SyncCRCEOP})
	for off := 0; off < len(data); off += stk500.PageSize {
		end := off + stk500.PageSize
		if end > len(data) {
			end = len(data)
		}
		word := uint16(off >> 1)
		add([]byte{stk500.CmdLoadAddress, byte(word & 0xFF), byte(word >> 8), stk500.SyncCRCEOP})
		n := end - off
		page := []byte{stk500.CmdProgramPage, byte(n >> 8), byte(n & 0xFF), stk500.MemtypeFlash}
		page = append(page, data[off:end]...)
		page = append(page, stk500.SyncCRCEOP)
		add(page)
	}
	add([]byte{stk500.CmdLeaveProgmode, stk500.SyncCRCEOP})
	return script
}

type progressLog struct {
	events []string
}

func (l *progressLog) report(percent int, stage string) {
	l.events = append(l.events, fmt.Sprintf("%d:%s", percent, stage))
}

func (l *progressLog) last() string {
	if len(l.events) == 0 {
		return ""
	}
	return l.events[len(l.events)-1]
}

// An Uno blink upload: DTR pulse, full STK500 trace, then the monitor
// reconnects at the silent-device default.
func TestUploadAVREndToEnd(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	mock := porttest.NewMockPort(avrScript(data)...)

	var log progressLog
	baud, err := fastManager().Upload(context.Background(), mock, []byte(hexText(data)), "arduino:avr:uno", log.report)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if baud != 115200 {
		t.Errorf("Expected monitor at 115200, got %d", baud)
	}
	if !mock.IsOpen() {
		t.Error("Port should be open for monitoring after success")
	}
	if !mock.ScriptDone() {
		t.Error("Device script not fully consumed")
	}
	if mock.Unexpected != nil {
		t.Errorf("Unexpected host bytes: % x", mock.Unexpected)
	}
	sig := mock.Signals()
	if len(sig) < 2 || sig[0] != "dtr=false" || sig[1] != "dtr=true" {
		t.Errorf("Expected DTR pulse, got %v", sig)
	}
	if opens := mock.Opens(); len(opens) == 0 || opens[0] != 115200 {
		t.Errorf("Expected first open at 115200, got %v", opens)
	}
	if !strings.Contains(log.last(), "Done") {
		t.Errorf("Final progress event %q", log.last())
	}
}

// A malformed HEX must fail before any port operation.
func TestMalformedHexTouchesNoPort(t *testing.T) {
	mock := porttest.NewMockPort()

	_, err := fastManager().Upload(context.Background(), mock, []byte(":10000000FFFF\n"), "arduino:avr:uno", nil)
	if !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("Expected ErrInvalidArtifact, got %v", err)
	}
	if len(mock.Opens()) != 0 || len(mock.Trace()) != 0 {
		t.Error("Port was touched despite invalid artifact")
	}
}

func TestOversizedImageRejected(t *testing.T) {
	big := make([]byte, 300*1024)
	big[0] = 1
	mock := porttest.NewMockPort()

	_, err := fastManager().Upload(context.Background(), mock, big, "arduino:samd:mkrwifi1010", nil)
	if !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("Expected ErrInvalidArtifact for oversized image, got %v", err)
	}
	if len(mock.Opens()) != 0 {
		t.Error("Port was touched despite oversized image")
	}
}

func TestUnknownBoardUnsupported(t *testing.T) {
	mock := porttest.NewMockPort()

	_, err := fastManager().Upload(context.Background(), mock, []byte{1}, "teensy:avr:teensy40", nil)
	if !errors.Is(err, ErrBoardUnsupported) {
		t.Fatalf("Expected ErrBoardUnsupported, got %v", err)
	}
	if len(mock.Opens()) != 0 {
		t.Error("Port was touched despite unsupported board")
	}
}

// The R4's run-mode port dies with the touch; the manager must surface
// BootloaderPortNeeded, and the retry entry point must flash without a
// second touch.
func TestBossaBootloaderPortSwitch(t *testing.T) {
	fw := make([]byte, 8292) // 2 full chunks + 100-byte tail
	for i := range fw {
		fw[i] = byte(i * 3)
	}

	// Run-mode port: the touch goes out, then the bootloader never
	// answers because the device re-enumerated.
	stale := porttest.NewMockPort()
	stale.InfoQueue = []port.USBInfo{{VendorID: 0x2341, ProductID: 0x1002}}

	mgr := fastManager()
	var log progressLog
	_, err := mgr.Upload(context.Background(), stale, fw, "arduino:renesas_uno:unor4wifi", log.report)
	if !errors.Is(err, ErrBootloaderPortNeeded) {
		t.Fatalf("Expected ErrBootloaderPortNeeded, got %v", err)
	}
	if stale.IsOpen() {
		t.Error("Stale port left open")
	}
	if opens := stale.Opens(); len(opens) == 0 || opens[0] != board.TouchBaud {
		t.Errorf("Expected 1200-bps touch first, got opens %v", opens)
	}

	// Fresh bootloader port: flashing proceeds with no touch.
	fresh := porttest.NewMockPort(bossaScript(fw, board.FlashBaseRenesas)...)
	fresh.InfoQueue = []port.USBInfo{{VendorID: 0x2341, ProductID: 0x006D}}

	baud, err := mgr.FlashToBootloader(context.Background(), fresh, fw, "arduino:renesas_uno:unor4wifi", log.report)
	if err != nil {
		t.Fatalf("FlashToBootloader failed: %v", err)
	}
	if baud != 115200 {
		t.Errorf("Expected monitor at 115200, got %d", baud)
	}
	opens := fresh.Opens()
	if len(opens) == 0 || opens[0] != board.BossaBaud {
		t.Errorf("Expected first open at %d, got %v", board.BossaBaud, opens)
	}
	for _, b := range opens {
		if b == board.TouchBaud {
			t.Error("FlashToBootloader must not repeat the touch")
		}
	}
	if !fresh.ScriptDone() {
		t.Error("Device script not fully consumed")
	}
	if fresh.Unexpected != nil {
		t.Errorf("Unexpected host bytes: % x", fresh.Unexpected)
	}
}

// A port already showing a bootloader identity skips the touch entirely.
func TestBossaSkipsTouchInBootloader(t *testing.T) {
	fw := []byte{1, 2, 3, 4}
	mock := porttest.NewMockPort(bossaScript(fw, board.FlashBaseSAMD)...)
	mock.InfoQueue = []port.USBInfo{{VendorID: 0x2341, ProductID: 0x0054}}

	_, err := fastManager().Upload(context.Background(), mock, fw, "arduino:samd:mkrwifi1010", nil)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	for _, b := range mock.Opens() {
		if b == board.TouchBaud {
			t.Error("Touch performed despite bootloader identity on the port")
		}
	}
}

func bossaScript(data []byte, base uint32) []porttest.Exchange {
	ack := []byte("\n\r")
	script := []porttest.Exchange{
		{Expect: []byte("N#"), Reply: ack},
		{Expect: []byte("V#"), Reply: []byte("Arduino Bootloader (SAM-BA extended) 2.0\n\r")},
		{Expect: []byte(fmt.Sprintf("X%x#", base))},
	}
	buffers := [2]uint32{0x20001000, 0x20002000}
	total := (len(data) + board.BossaChunkSize - 1) / board.BossaChunkSize
	for i := 0; i < total; i++ {
		off := i * board.BossaChunkSize
		end := off + board.BossaChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		sram := buffers[i%2]
		script = append(script,
			porttest.Exchange{Expect: []byte(fmt.Sprintf("S%x,%x#", sram, len(chunk)))},
			porttest.Exchange{Expect: chunk},
			porttest.Exchange{Expect: []byte(fmt.Sprintf("Y%08x,0#", sram)), Reply: ack},
			porttest.Exchange{Expect: []byte(fmt.Sprintf("Y%08x,%08x#", base+uint32(off), len(chunk))), Reply: ack},
		)
	}
	return append(script, porttest.Exchange{Expect: []byte(fmt.Sprintf("G%x#", base))})
}

// The ESP32 prepare ritual drives DTR/RTS through the GPIO0-low reset
// sequence; with a dead ROM the strategy surfaces a handshake failure.
func TestESPBootRitualAndHandshakeFailure(t *testing.T) {
	mock := porttest.NewMockPort() // ROM never answers

	var log progressLog
	_, err := fastManager().Upload(context.Background(), mock, []byte{0xE9, 1, 2, 3}, "esp32:esp32:esp32", log.report)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Expected ErrHandshakeFailed, got %v", err)
	}
	want := []string{"dtr=true rts=false", "dtr=false rts=true", "dtr=false rts=false"}
	sig := mock.Signals()
	if len(sig) != len(want) {
		t.Fatalf("Expected %d signal steps, got %v", len(want), sig)
	}
	for i := range want {
		if sig[i] != want[i] {
			t.Errorf("Signal step %d: expected %q, got %q", i, want[i], sig[i])
		}
	}
	if mock.IsOpen() {
		t.Error("Port left open after failure")
	}
	if !strings.Contains(log.last(), "Error:") {
		t.Errorf("Final progress event %q should name the error stage", log.last())
	}
}

type captureSink struct {
	ext  string
	data []byte
}

func (c *captureSink) Save(ext string, data []byte) error {
	c.ext = ext
	c.data = append([]byte(nil), data...)
	return nil
}

// RP2040 boards get the touch and a file hand-off, no serial flashing.
func TestUF2Handoff(t *testing.T) {
	fw := []byte{0x55, 0x46, 0x32, 0x0A}
	mock := porttest.NewMockPort()

	mgr := fastManager()
	sink := &captureSink{}
	mgr.Sink = sink

	var log progressLog
	baud, err := mgr.Upload(context.Background(), mock, fw, "rpipico:rp2040:pico", log.report)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if baud != 0 {
		t.Errorf("Expected no monitor baud for UF2, got %d", baud)
	}
	if sink.ext != ".uf2" || len(sink.data) != len(fw) {
		t.Errorf("Artifact hand-off wrong: ext=%q len=%d", sink.ext, len(sink.data))
	}
	if opens := mock.Opens(); len(opens) != 1 || opens[0] != board.TouchBaud {
		t.Errorf("Expected exactly the 1200-bps touch, got %v", opens)
	}
	if mock.IsOpen() {
		t.Error("Port left open after hand-off")
	}
	if !strings.HasPrefix(log.last(), "100:") {
		t.Errorf("Final progress event %q should be 100%%", log.last())
	}
}
