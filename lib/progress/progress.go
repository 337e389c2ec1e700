// Package progress tracks pull progress across concurrently downloading
// layers: bytes transferred, a smoothed throughput estimate, and rate-limited
// textual status updates (C6, spec.md §4.6). The mutex-guarded-struct shape
// follows the teacher's lib/builds.BuildQueue.
package progress

import (
	"fmt"
	"sync"
	"time"
)

const (
	// maxSamples bounds the speed-sample ring buffer.
	maxSamples = 20
	// emaAlpha weights the exponential moving average of instantaneous speed.
	emaAlpha = 0.3
	// minUpdateInterval rate-limits textual update emission.
	minUpdateInterval = 500 * time.Millisecond
)

// sample is one (timestamp, cumulative bytes) observation.
type sample struct {
	at    time.Time
	bytes int64
}

// Tracker accumulates byte counts from concurrently downloading layers and
// derives a smoothed transfer rate. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	totalBytes     int64
	downloadedByte int64
	completedFiles int

	startTime      time.Time
	lastUpdateTime time.Time

	samples   []sample
	emaSpeed  float64
	peakSpeed float64

	emitted  bool // whether any update has been emitted yet
	onUpdate func(Stats)
}

// New creates a Tracker. onUpdate, if non-nil, is invoked (rate-limited to
// once per minUpdateInterval) as AddProgress reports new bytes.
func New(onUpdate func(Stats)) *Tracker {
	now := time.Now()
	return &Tracker{
		startTime:      now,
		lastUpdateTime: now,
		onUpdate:       onUpdate,
	}
}

// SetTotal records the total expected byte count across all layers, once
// the manifest is known.
func (t *Tracker) SetTotal(totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalBytes = totalBytes
}

// AddProgress reports delta newly transferred bytes. Safe to call
// concurrently from multiple in-flight downloads. The very first call
// always emits, regardless of minUpdateInterval (spec.md §4.6: "always
// emit first and last update").
func (t *Tracker) AddProgress(delta int64) {
	t.mu.Lock()
	t.downloadedByte += delta

	now := time.Now()
	t.recordSample(now)

	emit := !t.emitted
	var stats Stats
	if emit || now.Sub(t.lastUpdateTime) >= minUpdateInterval {
		t.lastUpdateTime = now
		stats = t.statsLocked(now)
		t.emitted = true
		emit = true
	}
	t.mu.Unlock()

	if emit && t.onUpdate != nil {
		t.onUpdate(stats)
	}
}

// CompleteFile marks one layer/file as fully written.
func (t *Tracker) CompleteFile() {
	t.mu.Lock()
	t.completedFiles++
	t.mu.Unlock()
}

// Finish forces one final, unconditional emission of the current stats,
// bypassing minUpdateInterval (spec.md §4.6's "always emit ... last
// update" guarantee). Callers invoke this once after a pull completes,
// successfully or not, so a run shorter than minUpdateInterval between
// its last progress byte and completion still reports a final line.
func (t *Tracker) Finish() {
	t.mu.Lock()
	now := time.Now()
	t.lastUpdateTime = now
	t.emitted = true
	stats := t.statsLocked(now)
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(stats)
	}
}

// recordSample appends a (time, cumulative bytes) sample, drops samples
// older than the ring buffer size, and refreshes the EMA/peak speed.
// Caller must hold t.mu.
func (t *Tracker) recordSample(now time.Time) {
	t.samples = append(t.samples, sample{at: now, bytes: t.downloadedByte})
	if len(t.samples) > maxSamples {
		t.samples = t.samples[len(t.samples)-maxSamples:]
	}
	if len(t.samples) < 2 {
		return
	}

	prev := t.samples[len(t.samples)-2]
	cur := t.samples[len(t.samples)-1]
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return
	}
	instantSpeed := float64(cur.bytes-prev.bytes) / elapsed

	if t.emaSpeed == 0 {
		t.emaSpeed = instantSpeed
	} else {
		t.emaSpeed = emaAlpha*instantSpeed + (1-emaAlpha)*t.emaSpeed
	}
	if t.emaSpeed > t.peakSpeed {
		t.peakSpeed = t.emaSpeed
	}
}

// weightedRecentAvg averages the instantaneous speeds between consecutive
// samples in the ring buffer, weighting later (more recent) intervals more
// heavily than earlier ones — a linear recency weighting, distinct from
// the EMA's exponential decay. Caller must hold t.mu.
func (t *Tracker) weightedRecentAvg() float64 {
	if len(t.samples) < 2 {
		return 0
	}
	var weightedSum, weightTotal float64
	for i := 1; i < len(t.samples); i++ {
		prev, cur := t.samples[i-1], t.samples[i]
		elapsed := cur.at.Sub(prev.at).Seconds()
		if elapsed <= 0 {
			continue
		}
		speed := float64(cur.bytes-prev.bytes) / elapsed
		weight := float64(i) // later intervals get more weight
		weightedSum += weight * speed
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

// etaSeconds estimates remaining time from
// max(smoothed_speed, 0.8*weighted_recent_avg) (spec.md §4.6), falling
// back to 0 (unknown) when no total is known, the download is already
// complete, or there is no positive speed estimate yet.
func (t *Tracker) etaSeconds() (float64, bool) {
	if t.totalBytes <= 0 || t.downloadedByte >= t.totalBytes {
		return 0, false
	}
	speed := t.emaSpeed
	if weighted := 0.8 * t.weightedRecentAvg(); weighted > speed {
		speed = weighted
	}
	if speed <= 0 {
		return 0, false
	}
	remaining := float64(t.totalBytes - t.downloadedByte)
	return remaining / speed, true
}

// Stats is a point-in-time progress summary.
type Stats struct {
	TotalBytes     int64
	DownloadedByte int64
	CompletedFiles int
	ElapsedSeconds float64
	SpeedBytesPerS float64
	PeakBytesPerS  float64
	// ETASeconds is the estimated time remaining; ETAKnown is false when
	// there isn't yet enough data (no declared total, or no speed signal)
	// to estimate one.
	ETASeconds float64
	ETAKnown   bool
}

// String renders a short human-readable progress line.
func (s Stats) String() string {
	pct := 0.0
	if s.TotalBytes > 0 {
		pct = 100 * float64(s.DownloadedByte) / float64(s.TotalBytes)
	}
	eta := "--"
	if s.ETAKnown {
		eta = fmt.Sprintf("%.0fs", s.ETASeconds)
	}
	return fmt.Sprintf("%.1f%% (%d/%d bytes, %d files) at %.1f MB/s (peak %.1f MB/s) ETA %s",
		pct, s.DownloadedByte, s.TotalBytes, s.CompletedFiles, s.SpeedBytesPerS/1e6, s.PeakBytesPerS/1e6, eta)
}

// Stats returns the current progress snapshot.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked(time.Now())
}

func (t *Tracker) statsLocked(now time.Time) Stats {
	eta, etaKnown := t.etaSeconds()
	return Stats{
		TotalBytes:     t.totalBytes,
		DownloadedByte: t.downloadedByte,
		CompletedFiles: t.completedFiles,
		ElapsedSeconds: now.Sub(t.startTime).Seconds(),
		SpeedBytesPerS: t.emaSpeed,
		PeakBytesPerS:  t.peakSpeed,
		ETASeconds:     eta,
		ETAKnown:       etaKnown,
	}
}
