// Package thumbnail turns a raw tab screenshot into a bounded-size JPEG data
// URL. Capture is throttled per tab and never fails the caller: when the
// capture itself fails there is simply no thumbnail.
package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxWidth       = 1280
	DefaultMaxHeight      = 800
	DefaultMinWidth       = 640
	DefaultMinHeight      = 360
	DefaultByteBudget     = 220 * 1024
	DefaultShrinkFactor   = 0.85
	DefaultThrottle       = 1400 * time.Millisecond
	DefaultCaptureTimeout = 3 * time.Second
)

var DefaultQualities = []int{82, 72, 62, 52, 42}

var ErrEmptyImage = errors.New("empty image")

// Capturer grabs the visible area of the sender's tab as encoded image
// bytes (png, jpeg or webp).
type Capturer interface {
	CaptureVisibleTab(ctx context.Context, sender steptrail.SenderContext) ([]byte, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	MaxWidth       int
	MaxHeight      int
	MinWidth       int
	MinHeight      int
	ByteBudget     int
	ShrinkFactor   float64
	Qualities      []int
	Throttle       time.Duration
	CaptureTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = DefaultMaxHeight
	}
	if o.MinWidth <= 0 {
		o.MinWidth = DefaultMinWidth
	}
	if o.MinHeight <= 0 {
		o.MinHeight = DefaultMinHeight
	}
	if o.ByteBudget <= 0 {
		o.ByteBudget = DefaultByteBudget
	}
	if o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1 {
		o.ShrinkFactor = DefaultShrinkFactor
	}
	if len(o.Qualities) == 0 {
		o.Qualities = DefaultQualities
	}
	if o.Throttle <= 0 {
		o.Throttle = DefaultThrottle
	}
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = DefaultCaptureTimeout
	}
	return o
}

// Pipeline implements steptrail.ThumbnailSource.
type Pipeline struct {
	capturer Capturer
	opts     Options
	logger   Logger
	now      func() time.Time

	mu          sync.Mutex
	lastCapture map[int]time.Time
}

func NewPipeline(capturer Capturer, opts Options, logger Logger) *Pipeline {
	return &Pipeline{
		capturer:    capturer,
		opts:        opts.withDefaults(),
		logger:      logger,
		now:         time.Now,
		lastCapture: map[int]time.Time{},
	}
}

// Eligible reports whether a step of this type gets a thumbnail.
func Eligible(stepType steptrail.StepType) bool {
	switch stepType {
	case steptrail.StepClick, steptrail.StepInput, steptrail.StepSelect, steptrail.StepToggle, steptrail.StepNavigate:
		return true
	default:
		return false
	}
}

func (p *Pipeline) Thumbnail(ctx context.Context, stepType steptrail.StepType, sender steptrail.SenderContext) (string, bool) {
	if p == nil || p.capturer == nil || !Eligible(stepType) {
		return "", false
	}
	if !p.claim(sender.TabID) {
		return "", false
	}

	raw, err := p.capture(ctx, sender)
	if err != nil {
		p.logf("thumbnail: capture tab %d failed: %v", sender.TabID, err)
		return "", false
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		p.logf("thumbnail: decode tab %d capture failed: %v", sender.TabID, err)
		return "", false
	}
	result, err := Compress(src, p.opts)
	if err != nil {
		p.logf("thumbnail: compress tab %d failed: %v", sender.TabID, err)
		return "", false
	}
	return result.DataURL(), true
}

type captured struct {
	data []byte
	err  error
}

// capture bounds the capturer by the capture timeout even when it does not
// watch its ctx.
func (p *Pipeline) capture(ctx context.Context, sender steptrail.SenderContext) ([]byte, error) {
	captureCtx, cancel := context.WithTimeout(ctx, p.opts.CaptureTimeout)
	defer cancel()
	done := make(chan captured, 1)
	go func() {
		data, err := p.capturer.CaptureVisibleTab(captureCtx, sender)
		done <- captured{data: data, err: err}
	}()
	select {
	case res := <-done:
		return res.data, res.err
	case <-captureCtx.Done():
		return nil, captureCtx.Err()
	}
}

// claim applies the per-tab throttle. The slot is taken before capture so
// concurrent events for one tab cannot both capture.
func (p *Pipeline) claim(tabID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if last, ok := p.lastCapture[tabID]; ok && now.Sub(last) < p.opts.Throttle {
		return false
	}
	p.lastCapture[tabID] = now
	return true
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

type Result struct {
	Data    []byte
	Width   int
	Height  int
	Quality int
}

func (r Result) DataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(r.Data)
}

// Compress fits src into the bounding box, then walks the quality ladder at
// each scale, shrinking between levels down to the floor. The first encoding
// within the byte budget wins; otherwise the smallest one produced is
// returned.
func Compress(src image.Image, opts Options) (Result, error) {
	opts = opts.withDefaults()
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return Result{}, ErrEmptyImage
	}
	width, height := fitWithin(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight)

	var smallest Result
	for {
		scaled := scale(src, width, height)
		for _, quality := range opts.Qualities {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
				return Result{}, fmt.Errorf("encode %dx%d q%d: %w", width, height, quality, err)
			}
			candidate := Result{Data: buf.Bytes(), Width: width, Height: height, Quality: quality}
			if len(candidate.Data) <= opts.ByteBudget {
				return candidate, nil
			}
			if smallest.Data == nil || len(candidate.Data) < len(smallest.Data) {
				smallest = candidate
			}
		}
		nextWidth, nextHeight, ok := shrink(width, height, opts)
		if !ok {
			return smallest, nil
		}
		width, height = nextWidth, nextHeight
	}
}

// fitWithin scales w×h down to fit maxW×maxH, keeping the aspect ratio.
// Images already inside the box keep their size.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	ratio := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	return max(1, int(float64(w)*ratio)), max(1, int(float64(h)*ratio))
}

// shrink returns the next scale level, or false once the floor is reached.
// The last level lands exactly on the floor for the binding dimension.
func shrink(w, h int, opts Options) (int, int, bool) {
	if w <= opts.MinWidth || h <= opts.MinHeight {
		return w, h, false
	}
	factor := opts.ShrinkFactor
	floor := max(float64(opts.MinWidth)/float64(w), float64(opts.MinHeight)/float64(h))
	if factor < floor {
		factor = floor
	}
	nw, nh := int(float64(w)*factor+0.5), int(float64(h)*factor+0.5)
	if nw >= w && nh >= h {
		return w, h, false
	}
	return max(1, nw), max(1, nh), true
}

func scale(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
