package transcribe

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/whisper"
	"go.uber.org/zap"
)

const (
	DefaultWindow  = 30 * time.Second
	DefaultOverlap = 5 * time.Second
)

// nonSpeech matches recognizer output that carries no words, such as
// [BLANK_AUDIO], (music) or *applause*.
var nonSpeech = regexp.MustCompile(`^(?:\s*(?:\[[^\]]*\]|\([^)]*\)|\*[^*]*\*|[\s\p{P}♪]+))*\s*$`)

type Config struct {
	Window               time.Duration
	Overlap              time.Duration
	SilenceThresholdDBFS float64
	Logger               *zap.Logger
}

type Options struct {
	// Language is a hint; empty or "auto" lets the first recognised chunk decide.
	Language       string
	Task           domain.Task
	WordTimestamps bool
}

// Engine turns a normalized buffer into a transcript by recognising
// overlapping windows and reconciling their segments.
type Engine struct {
	recognizer whisper.Recognizer
	window     time.Duration
	overlap    time.Duration
	threshold  float64
	logger     *zap.Logger
}

func New(recognizer whisper.Recognizer, cfg Config) *Engine {
	e := &Engine{
		recognizer: recognizer,
		window:     cfg.Window,
		overlap:    cfg.Overlap,
		threshold:  cfg.SilenceThresholdDBFS,
		logger:     cfg.Logger,
	}
	if e.window <= 0 {
		e.window = DefaultWindow
	}
	if e.overlap < 0 || e.overlap >= e.window {
		e.overlap = 0
	}
	if e.threshold == 0 {
		e.threshold = audio.DefaultSilenceThresholdDBFS
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

type candidate struct {
	seg        domain.Segment
	chunk      int
	centrality time.Duration
}

// Transcribe recognises buf with model. It returns either a complete
// transcript or an error, never a partial result.
func (e *Engine) Transcribe(ctx context.Context, buf audio.Buffer, model *whisper.Handle, opts Options) (domain.Transcript, error) {
	if model == nil {
		return domain.Transcript{}, domain.Errorf(domain.KindInternal, nil, "no model handle supplied")
	}
	task := opts.Task
	if task == "" {
		task = domain.TaskTranscribe
	}

	total := buf.Duration()
	transcript := domain.Transcript{
		Segments: []domain.Segment{},
		Duration: total,
		Model:    model.ID,
		Task:     task,
	}

	language := strings.TrimSpace(opts.Language)
	if language == "auto" {
		language = ""
	}

	chunks := planChunks(total, e.window, e.overlap)
	var candidates []candidate
	recognised := 0
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return domain.Transcript{}, err
		}

		slice := buf.Slice(c.start, c.end)
		if silent, metrics := audio.IsSilent(slice, e.threshold); silent {
			e.logger.Debug("skipping silent chunk",
				zap.Int("chunk", c.index),
				zap.Float64("rms_dbfs", metrics.RMSdBFS),
			)
			continue
		}

		started := time.Now()
		rec, err := e.recognizer.Recognize(ctx, whisper.Request{
			Audio:          slice,
			Model:          model,
			Language:       language,
			Translate:      task == domain.TaskTranslate,
			WordTimestamps: opts.WordTimestamps,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.Transcript{}, ctxErr
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return domain.Transcript{}, err
			}
			return domain.Transcript{}, &domain.Error{
				Kind:    domain.KindInference,
				Message: "speech recognition failed",
				Err:     err,
				Fatal:   domain.IsFatal(err),
			}
		}
		recognised++

		if language == "" {
			if detected := strings.TrimSpace(rec.Language); detected != "" && detected != "auto" {
				language = detected
			}
		}

		last := c.index == len(chunks)-1
		kept := 0
		for _, raw := range rec.Segments {
			seg, ok := placeSegment(raw, c, total)
			if !ok {
				continue
			}
			mid := seg.Start + (seg.End-seg.Start)/2
			if !c.owns(mid, last) {
				continue
			}
			candidates = append(candidates, candidate{seg: seg, chunk: c.index, centrality: absDuration(mid - c.center())})
			kept++
		}

		e.logger.Debug("chunk recognised",
			zap.Int("chunk", c.index),
			zap.Duration("offset", c.start),
			zap.Int("segments", kept),
			zap.Duration("elapsed", time.Since(started)),
		)
	}

	transcript.Language = language
	transcript.Segments = reconcile(candidates)
	e.logger.Debug("transcription complete",
		zap.Int("chunks", len(chunks)),
		zap.Int("recognised", recognised),
		zap.Int("segments", len(transcript.Segments)),
		zap.String("language", language),
	)
	return transcript, nil
}

// placeSegment moves seg from chunk-local to buffer time and clamps it to the
// chunk window. Segments without words are rejected.
func placeSegment(seg domain.Segment, c chunk, total time.Duration) (domain.Segment, bool) {
	text := strings.TrimSpace(seg.Text)
	if text == "" || nonSpeech.MatchString(text) {
		return domain.Segment{}, false
	}

	limit := c.end
	if limit > total {
		limit = total
	}
	clamp := func(d time.Duration) time.Duration {
		d += c.start
		if d < c.start {
			return c.start
		}
		if d > limit {
			return limit
		}
		return d
	}

	out := domain.Segment{
		Start: clamp(seg.Start),
		End:   clamp(seg.End),
		Text:  text,
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	if len(seg.Tokens) > 0 {
		out.Tokens = make([]domain.Token, 0, len(seg.Tokens))
		for _, tok := range seg.Tokens {
			tok.Start = clamp(tok.Start)
			tok.End = clamp(tok.End)
			if tok.End < tok.Start {
				tok.End = tok.Start
			}
			out.Tokens = append(out.Tokens, tok)
		}
	}
	return out, true
}

// reconcile orders candidates by start and resolves overlaps between segments
// from different chunks. When the overlap covers at least half of the shorter
// segment both describe the same speech: the one closer to the centre of its
// own window wins, and on a tie the earlier chunk wins. A smaller overlap is
// timestamp drift between windows; the loser is trimmed to the winner's
// boundary and both are kept.
func reconcile(candidates []candidate) []domain.Segment {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].seg.Start != candidates[j].seg.Start {
			return candidates[i].seg.Start < candidates[j].seg.Start
		}
		return candidates[i].chunk < candidates[j].chunk
	})

	kept := make([]candidate, 0, len(candidates))
	for _, cand := range candidates {
		accept := true
		for len(kept) > 0 {
			prev := &kept[len(kept)-1]
			if prev.chunk == cand.chunk || cand.seg.Start >= prev.seg.End {
				break
			}
			if !duplicates(prev.seg, cand.seg) {
				if beats(cand, *prev) {
					prev.seg = trimSegment(prev.seg, prev.seg.Start, cand.seg.Start)
				} else {
					cand.seg = trimSegment(cand.seg, prev.seg.End, cand.seg.End)
				}
				break
			}
			if beats(cand, *prev) {
				kept = kept[:len(kept)-1]
				continue
			}
			accept = false
			break
		}
		if accept {
			kept = append(kept, cand)
		}
	}

	out := make([]domain.Segment, len(kept))
	for i, k := range kept {
		out[i] = k.seg
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// duplicates reports whether b, starting no earlier than a, overlaps a by at
// least half of the shorter segment.
func duplicates(a, b domain.Segment) bool {
	overlap := min(a.End, b.End) - b.Start
	shorter := min(a.End-a.Start, b.End-b.Start)
	if shorter <= 0 {
		return true
	}
	return 2*overlap >= shorter
}

// trimSegment narrows seg to [start, end], keeping the tokens whose midpoint
// stays inside.
func trimSegment(seg domain.Segment, start, end time.Duration) domain.Segment {
	seg.Start, seg.End = start, end
	if seg.Tokens == nil {
		return seg
	}
	tokens := make([]domain.Token, 0, len(seg.Tokens))
	for _, tok := range seg.Tokens {
		mid := tok.Start + (tok.End-tok.Start)/2
		if mid < start || mid > end {
			continue
		}
		tok.Start = max(tok.Start, start)
		tok.End = min(tok.End, end)
		tokens = append(tokens, tok)
	}
	seg.Tokens = tokens
	return seg
}

func beats(a, b candidate) bool {
	if a.centrality != b.centrality {
		return a.centrality < b.centrality
	}
	return a.chunk < b.chunk
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
