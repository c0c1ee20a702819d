package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/ghoststream/ghoststream/internal/observability"
)

const (
	minSegmentBytes   = 1024
	tsSyncByte        = 0x47
	segmentCheckCount = 10

	// An interior segment below this fraction of the running average is a
	// truncated write.
	minSegmentRatio = 0.05
)

// Validator checks encoder output before a job is declared ready.
type Validator struct {
	logger      *slog.Logger
	maxFileSize int64
}

// NewValidator creates an output validator. maxFileSize bounds batch
// outputs; zero disables the upper check.
func NewValidator(logger *slog.Logger, maxFileSize int64) *Validator {
	return &Validator{
		logger:      observability.WithComponent(logger, "validator"),
		maxFileSize: maxFileSize,
	}
}

// ValidateHLS checks an HLS output directory: master playlist present and
// parseable, at least one referenced rendition present, and the leading
// segments structurally sound MPEG-TS.
func (v *Validator) ValidateHLS(outputDir string) error {
	masterPath := filepath.Join(outputDir, "master.m3u8")
	data, err := os.ReadFile(masterPath)
	if err != nil {
		return fmt.Errorf("master playlist missing: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("master playlist is empty")
	}

	parsed, err := playlist.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("master playlist malformed: %w", err)
	}

	switch pl := parsed.(type) {
	case *playlist.Multivariant:
		if err := v.checkVariantsExist(outputDir, pl); err != nil {
			return err
		}
	case *playlist.Media:
		if len(pl.Segments) == 0 {
			return fmt.Errorf("playlist references no segments")
		}
	}

	segments, err := segmentFiles(outputDir)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("no segment files produced")
	}

	return v.checkSegments(segments)
}

// checkVariantsExist confirms at least one referenced rendition playlist
// was written.
func (v *Validator) checkVariantsExist(outputDir string, master *playlist.Multivariant) error {
	if len(master.Variants) == 0 {
		return fmt.Errorf("master playlist references no variants")
	}
	for _, variant := range master.Variants {
		if _, err := os.Stat(filepath.Join(outputDir, variant.URI)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no referenced variant playlist exists")
}

// segmentFiles lists the .ts files of an output directory in name order.
// Segment names carry zero-padded sequence numbers, so lexical order is
// encode order.
func segmentFiles(outputDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(outputDir, "*.ts"))
	if err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// checkSegments verifies the leading segments: non-trivial size, MPEG-TS
// sync byte, no truncated interior segment, and a demuxable first segment.
func (v *Validator) checkSegments(segments []string) error {
	check := segments
	if len(check) > segmentCheckCount {
		check = check[:segmentCheckCount]
	}

	var nonZero bool
	var total int64
	for i, path := range check {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("segment %s: %w", filepath.Base(path), err)
		}
		size := info.Size()
		if size > 0 {
			nonZero = true
		}

		isFinal := i == len(segments)-1
		if size < minSegmentBytes && !isFinal {
			return fmt.Errorf("segment %s is %d bytes, below the %d byte minimum",
				filepath.Base(path), size, minSegmentBytes)
		}

		// Running average over the segments seen so far; a sharp dip in an
		// interior segment means a truncated write.
		if i > 0 && !isFinal {
			avg := float64(total) / float64(i)
			if float64(size) < avg*minSegmentRatio {
				return fmt.Errorf("segment %s is %d bytes, under 5%% of the running average %.0f",
					filepath.Base(path), size, avg)
			}
		}
		total += size

		if size > 0 {
			if err := checkSyncByte(path); err != nil {
				return err
			}
		}
	}

	if !nonZero {
		return fmt.Errorf("all segments are empty")
	}

	return v.demuxFirstSegment(check[0])
}

// checkSyncByte verifies the segment starts with the MPEG-TS sync byte.
func checkSyncByte(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("segment %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var first [1]byte
	if _, err := f.Read(first[:]); err != nil {
		return fmt.Errorf("segment %s: %w", filepath.Base(path), err)
	}
	if first[0] != tsSyncByte {
		return fmt.Errorf("segment %s does not start with the MPEG-TS sync byte (got 0x%02x)",
			filepath.Base(path), first[0])
	}
	return nil
}

// demuxFirstSegment runs the first segment's leading packets through a TS
// demuxer and requires a program table to parse. Catches outputs that
// carry the sync byte but no coherent transport stream.
func (v *Validator) demuxFirstSegment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("segment %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	head := make([]byte, 64*1024)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return fmt.Errorf("segment %s: %w", filepath.Base(path), err)
	}

	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(head[:n]))
	for {
		data, err := dmx.NextData()
		if err != nil {
			return fmt.Errorf("segment %s has no parseable program table", filepath.Base(path))
		}
		if data.PAT != nil || data.PMT != nil {
			return nil
		}
	}
}

// ValidateBatch checks a single-file output: present, non-trivial, and
// under the configured ceiling.
func (v *Validator) ValidateBatch(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output file missing: %w", err)
	}
	if info.Size() < minSegmentBytes {
		return fmt.Errorf("output file is %d bytes, below the %d byte minimum", info.Size(), minSegmentBytes)
	}
	if v.maxFileSize > 0 && info.Size() >= v.maxFileSize {
		return fmt.Errorf("output file is %d bytes, above the %d byte ceiling", info.Size(), v.maxFileSize)
	}
	return nil
}
