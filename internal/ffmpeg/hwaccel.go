package ffmpeg

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// vaapiRenderNodes are the candidate DRI render devices, probed in order.
var vaapiRenderNodes = []string{
	"/dev/dri/renderD128",
	"/dev/dri/renderD129",
	"/dev/dri/renderD130",
}

// HWAccelDetector probes which hardware acceleration families are usable.
// A family counts as available only when the encoder binary completes a
// short null encode through it; listing alone proves nothing about drivers.
type HWAccelDetector struct {
	ffmpegPath string
}

// NewHWAccelDetector creates a new hardware acceleration detector.
func NewHWAccelDetector(ffmpegPath string) *HWAccelDetector {
	return &HWAccelDetector{ffmpegPath: ffmpegPath}
}

// Detect probes every known family and returns one capability record per
// family. Finding no usable hardware is not an error.
func (d *HWAccelDetector) Detect(ctx context.Context, encoders []string) []HWAccelCapability {
	results := []HWAccelCapability{
		d.detectNVENC(ctx, encoders),
		d.detectQSV(ctx, encoders),
		d.detectVAAPI(ctx, encoders),
		d.detectAMF(ctx, encoders),
		d.detectVideoToolbox(ctx, encoders),
	}
	return results
}

// detectNVENC checks for an NVIDIA GPU and a working NVENC session.
func (d *HWAccelDetector) detectNVENC(ctx context.Context, encoders []string) HWAccelCapability {
	info := HWAccelCapability{Type: HWAccelNVENC, Encoders: encodersWithSuffix(encoders, "_nvenc")}
	if len(info.Encoders) == 0 {
		return info
	}

	// nvidia-smi gives us the device name; a null encode proves the driver.
	smiCmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	output, err := smiCmd.Output()
	if err != nil {
		return info
	}
	deviceName := strings.TrimSpace(strings.Split(string(output), "\n")[0])
	if deviceName == "" {
		return info
	}

	if !d.nullEncode(ctx, []string{"-hwaccel", "cuda"}, "h264_nvenc", nil) {
		return info
	}

	info.Available = true
	info.DeviceName = deviceName
	return info
}

// detectQSV checks Intel Quick Sync by initializing a QSV device.
func (d *HWAccelDetector) detectQSV(ctx context.Context, encoders []string) HWAccelCapability {
	info := HWAccelCapability{Type: HWAccelQSV, Encoders: encodersWithSuffix(encoders, "_qsv")}
	if len(info.Encoders) == 0 {
		return info
	}

	ok := d.nullEncode(ctx,
		[]string{"-init_hw_device", "qsv=hw"},
		"h264_qsv",
		[]string{"-vf", "hwupload=extra_hw_frames=64,format=qsv"},
	)
	if ok {
		info.Available = true
		info.DeviceName = "Intel Quick Sync"
	}
	return info
}

// detectVAAPI walks the DRI render nodes and records the first that works.
func (d *HWAccelDetector) detectVAAPI(ctx context.Context, encoders []string) HWAccelCapability {
	info := HWAccelCapability{Type: HWAccelVAAPI, Encoders: encodersWithSuffix(encoders, "_vaapi")}
	if runtime.GOOS != "linux" || len(info.Encoders) == 0 {
		return info
	}

	for _, device := range vaapiRenderNodes {
		ok := d.nullEncode(ctx,
			[]string{"-vaapi_device", device},
			"h264_vaapi",
			[]string{"-vf", "format=nv12,hwupload"},
		)
		if ok {
			info.Available = true
			info.DevicePath = device
			return info
		}
	}
	return info
}

// detectAMF checks AMD AMF (Windows only).
func (d *HWAccelDetector) detectAMF(ctx context.Context, encoders []string) HWAccelCapability {
	info := HWAccelCapability{Type: HWAccelAMF, Encoders: encodersWithSuffix(encoders, "_amf")}
	if runtime.GOOS != "windows" || len(info.Encoders) == 0 {
		return info
	}

	if d.nullEncode(ctx, nil, "h264_amf", nil) {
		info.Available = true
		info.DeviceName = "AMD AMF"
	}
	return info
}

// detectVideoToolbox checks Apple VideoToolbox (macOS only).
func (d *HWAccelDetector) detectVideoToolbox(ctx context.Context, encoders []string) HWAccelCapability {
	info := HWAccelCapability{Type: HWAccelVideoToolbox, Encoders: encodersWithSuffix(encoders, "_videotoolbox")}
	if runtime.GOOS != "darwin" || len(info.Encoders) == 0 {
		return info
	}

	if d.nullEncode(ctx, nil, "h264_videotoolbox", nil) {
		info.Available = true
		info.DeviceName = "Apple VideoToolbox"
	}
	return info
}

// nullEncode runs a tiny lavfi-sourced encode through the given encoder and
// reports whether it succeeded.
func (d *HWAccelDetector) nullEncode(ctx context.Context, preInput []string, encoder string, filters []string) bool {
	args := []string{"-hide_banner"}
	args = append(args, preInput...)
	args = append(args, "-f", "lavfi", "-i", "nullsrc=s=320x240:d=0.1")
	args = append(args, filters...)
	args = append(args, "-c:v", encoder, "-t", "0.01", "-f", "null", "-")

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	return cmd.Run() == nil
}

// encodersWithSuffix filters the encoder list by family suffix.
func encodersWithSuffix(encoders []string, suffix string) []string {
	var matched []string
	for _, enc := range encoders {
		if strings.HasSuffix(enc, suffix) {
			matched = append(matched, enc)
		}
	}
	return matched
}
