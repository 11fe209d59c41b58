package usecase

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

// FinalPolicy decides when a segment counts as a finished utterance.
type FinalPolicy string

const (
	// FinalExplicit trusts only the backend's final flag.
	FinalExplicit FinalPolicy = "explicit"
	// FinalExplicitOrEndOffset also treats any segment with a reported end
	// offset above zero as final. It is an approximation that suits backends
	// which only report offsets on settled text. A segment that is still
	// growing when it first gets an end offset is emitted in that form only.
	FinalExplicitOrEndOffset FinalPolicy = "end_offset"
	// FinalCompletedSegments uses per-segment completion (WhisperLive).
	FinalCompletedSegments FinalPolicy = "completed"
)

// ParseFinalPolicy maps a config value to a policy, defaulting to FinalCompletedSegments.
func ParseFinalPolicy(value string) (FinalPolicy, bool) {
	switch FinalPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case FinalExplicit:
		return FinalExplicit, true
	case FinalExplicitOrEndOffset:
		return FinalExplicitOrEndOffset, true
	case FinalCompletedSegments, "":
		return FinalCompletedSegments, true
	default:
		return FinalCompletedSegments, false
	}
}

// Utterance dispositions reported to the recorder.
const (
	DispositionEmpty     = "empty"
	DispositionDuplicate = "duplicate"
	DispositionShort     = "short"
	DispositionAccepted  = "accepted"
	DispositionIgnored   = "ignored"
	DispositionExit      = "exit"
)

// SegmenterConfig configures a TurnSegmenter.
type SegmenterConfig struct {
	Policy FinalPolicy
	// MinChars drops final utterances shorter than this many runes.
	MinChars int
	Clock    func() time.Time
	Recorder ports.Recorder
}

// TurnSegmenter turns transcription events into utterances. It is not safe
// for concurrent use; Run drives it from a single goroutine.
//
// Backends such as WhisperLive repeat recent segments in every message, so
// final segments that carry offsets are emitted once, past a start-offset
// watermark, whatever the policy. Settled segments are held back and joined
// with the final segment that ends the turn.
type TurnSegmenter struct {
	cfg SegmenterConfig

	lastFinal   string
	lastPartial string
	pending     []string

	watermark     time.Duration
	haveWatermark bool
}

func NewTurnSegmenter(cfg SegmenterConfig) *TurnSegmenter {
	if cfg.Policy == "" {
		cfg.Policy = FinalCompletedSegments
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	return &TurnSegmenter{cfg: cfg}
}

// Process returns the utterances carried by one event, in segment order.
func (s *TurnSegmenter) Process(event domain.TranscriptionEvent) []domain.Utterance {
	if event.Kind == domain.EventStatus && event.Status.Kind == domain.StatusReady {
		// a new connection restarts segment offsets at zero
		s.resetOffsets()
		return nil
	}
	if event.Kind != domain.EventSegments {
		return nil
	}

	var out []domain.Utterance
	for _, segment := range event.Segments {
		if utterance, ok := s.processSegment(segment); ok {
			out = append(out, utterance)
		}
	}
	return out
}

func (s *TurnSegmenter) processSegment(segment domain.Segment) (domain.Utterance, bool) {
	text := strings.TrimSpace(segment.Text)
	switch {
	case segment.Settled && !segment.Final:
		if text != "" {
			s.pending = append(s.pending, text)
		}
		return s.partial(s.joinPending(""))
	case !s.isFinal(segment):
		return s.partial(s.joinPending(text))
	}

	if segment.Completed || segment.End > 0 {
		if s.haveWatermark && segment.Start <= s.watermark {
			return domain.Utterance{}, false
		}
		s.watermark, s.haveWatermark = segment.Start, true
	}

	text = s.joinPending(text)
	s.pending = nil
	s.lastPartial = ""
	normalized := NormalizeText(text)
	if normalized == "" {
		s.cfg.Recorder.Utterance(DispositionEmpty)
		return domain.Utterance{}, false
	}
	if normalized == s.lastFinal {
		s.cfg.Recorder.Utterance(DispositionDuplicate)
		return domain.Utterance{}, false
	}
	if utf8.RuneCountInString(text) < s.cfg.MinChars {
		s.cfg.Recorder.Utterance(DispositionShort)
		return domain.Utterance{}, false
	}

	s.lastFinal = normalized
	return domain.Utterance{Text: text, IsFinal: true, ReceivedAt: s.cfg.Clock()}, true
}

func (s *TurnSegmenter) partial(text string) (domain.Utterance, bool) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return domain.Utterance{}, false
	}
	if normalized == s.lastPartial {
		return domain.Utterance{}, false
	}
	s.lastPartial = normalized
	return domain.Utterance{Text: text, IsFinal: false, ReceivedAt: s.cfg.Clock()}, true
}

func (s *TurnSegmenter) joinPending(text string) string {
	if len(s.pending) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(s.pending, " ")
	}
	return strings.Join(s.pending, " ") + " " + text
}

func (s *TurnSegmenter) isFinal(segment domain.Segment) bool {
	switch s.cfg.Policy {
	case FinalExplicit:
		return segment.Final
	case FinalExplicitOrEndOffset:
		return segment.Final || segment.End > 0
	default:
		return segment.Final || segment.Completed
	}
}

// resetOffsets forgets the watermark and any unfinished turn. The last
// final is kept so a replayed utterance after a reconnect is still suppressed.
func (s *TurnSegmenter) resetOffsets() {
	s.lastPartial = ""
	s.pending = nil
	s.watermark, s.haveWatermark = 0, false
}

// Run feeds events from in through Process and writes utterances to out in
// arrival order until ctx ends or in is closed.
func (s *TurnSegmenter) Run(ctx context.Context, in <-chan domain.TranscriptionEvent, out chan<- domain.Utterance) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-in:
			if !ok {
				return
			}
			for _, utterance := range s.Process(event) {
				select {
				case out <- utterance:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// NormalizeText folds width, case and whitespace and strips trailing
// punctuation so "Goodbye." and " goodbye" compare equal.
func NormalizeText(text string) string {
	text = norm.NFKC.String(text)
	text = cases.Fold().String(text)
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}
