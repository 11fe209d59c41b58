package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voxloop/internal/domain"
	"voxloop/internal/ports"
)

var errEmptyReply = errors.New("model returned an empty reply")

// Turn workers run off the loop goroutine. They never touch coordinator
// state directly; the outcome is posted back as msgTurnDone. Once the turn
// context is cancelled a worker discards whatever its collaborators return.

func (c *Coordinator) runReply(ctx context.Context, turnID uint64, userText string, history []ports.ChatMessage) {
	genCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.GenerationTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, c.cfg.GenerationTimeout)
	}
	defer cancel()

	var result turnResult
	if c.cfg.StreamReplies {
		c.streamReply(ctx, genCtx, turnID, userText, history, &result)
	} else {
		reply, err := c.model.Generate(genCtx, history, userText)
		if ctx.Err() != nil {
			return
		}
		reply = strings.TrimSpace(reply)
		if err == nil && reply == "" {
			err = errEmptyReply
		}
		if err != nil {
			result.generationErr = fmt.Errorf("%w: %w", ErrGenerationFailure, err)
			reply = c.cfg.Apology
		}
		result.reply = reply
		c.speak(ctx, turnID, reply, &result)
	}

	c.awaitPlayback(ctx, &result)
	if ctx.Err() != nil {
		return
	}
	c.post(coordinatorMessage{kind: msgTurnDone, turnID: turnID, result: result})
}

func (c *Coordinator) streamReply(ctx, genCtx context.Context, turnID uint64, userText string, history []ports.ChatMessage, result *turnResult) {
	chunks, errs := c.model.Stream(genCtx, history, userText)

	var parts []string
	for chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || ctx.Err() != nil {
			continue
		}
		parts = append(parts, chunk)
		c.speak(ctx, turnID, chunk, result)
	}

	err := <-errs
	if ctx.Err() != nil {
		return
	}
	reply := strings.Join(parts, " ")
	if err == nil && reply == "" {
		err = errEmptyReply
	}
	if err != nil {
		result.generationErr = fmt.Errorf("%w: %w", ErrGenerationFailure, err)
		if len(parts) == 0 {
			reply = c.cfg.Apology
			c.speak(ctx, turnID, reply, result)
		}
	}
	result.reply = reply
}

func (c *Coordinator) runAnnouncement(ctx context.Context, turnID uint64, text string) {
	result := turnResult{reply: text}
	c.speak(ctx, turnID, text, &result)
	c.awaitPlayback(ctx, &result)
	if ctx.Err() != nil {
		return
	}
	c.post(coordinatorMessage{kind: msgTurnDone, turnID: turnID, result: result})
}

// speak applies spoken-text rules, synthesizes and enqueues one piece of
// text. The first successful enqueue of a turn moves it to Speaking.
func (c *Coordinator) speak(ctx context.Context, turnID uint64, text string, result *turnResult) {
	if ctx.Err() != nil {
		return
	}
	spoken, err := c.rules.Spoken(text)
	if err != nil {
		c.events.SessionError(domain.ErrorCodeRules, err.Error())
		spoken = text
	}
	if strings.TrimSpace(spoken) == "" {
		spoken = text
	}

	audio, err := c.speech.Synthesize(ctx, spoken)
	if err != nil {
		if ctx.Err() == nil {
			result.synthesisErr = errors.Join(result.synthesisErr, fmt.Errorf("%w: %w", ErrSynthesisFailure, err))
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := c.playback.Enqueue(audio); err != nil {
		result.playbackErr = errors.Join(result.playbackErr, fmt.Errorf("%w: %w", ErrPlaybackFailure, err))
		return
	}
	if !result.spoke {
		result.spoke = true
		c.post(coordinatorMessage{kind: msgSpeaking, turnID: turnID})
	}
}

func (c *Coordinator) awaitPlayback(ctx context.Context, result *turnResult) {
	if !result.spoke {
		return
	}
	if err := c.playback.WaitIdle(ctx); err != nil && ctx.Err() == nil {
		result.playbackErr = errors.Join(result.playbackErr, fmt.Errorf("%w: %w", ErrPlaybackFailure, err))
	}
}
