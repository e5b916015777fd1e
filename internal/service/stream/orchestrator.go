package stream

import (
	"chat-stream/internal/logger"
	"chat-stream/internal/service/llm"
	"chat-stream/internal/service/memory"
	"chat-stream/internal/service/quota"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Stream markers understood by clients. HeartbeatMarker keeps the connection
// alive during long model pauses; DoneMarker always terminates the stream,
// exactly once, on success and failure alike.
const (
	HeartbeatMarker = "[HEARTBEAT]"
	DoneMarker      = "[DONE]"
	ErrorPrefix     = "[ERROR] "
)

const (
	defaultHeartbeatInterval  = 500 * time.Millisecond
	defaultHeartbeatThreshold = 800 * time.Millisecond
	defaultSettleRetryDelay   = 100 * time.Millisecond
)

// StreamOrchestrator merges model output with keep-alive heartbeats into a
// single ordered stream and settles token quota after each completed turn.
type StreamOrchestrator struct {
	memory *memory.MemoryService
	quota  *quota.QuotaService

	// Timings are fields rather than constants so tests can scale them down.
	heartbeatInterval  time.Duration
	heartbeatThreshold time.Duration
	settleRetryDelay   time.Duration
}

// NewStreamOrchestrator creates an orchestrator with production timings
func NewStreamOrchestrator(memoryService *memory.MemoryService, quotaService *quota.QuotaService) *StreamOrchestrator {
	return &StreamOrchestrator{
		memory:             memoryService,
		quota:              quotaService,
		heartbeatInterval:  defaultHeartbeatInterval,
		heartbeatThreshold: defaultHeartbeatThreshold,
		settleRetryDelay:   defaultSettleRetryDelay,
	}
}

// Run consumes the upstream model chunks and returns the merged client
// stream. While the model is quiet for longer than the threshold, heartbeat
// markers are emitted between content fragments; content order is never
// changed. When the upstream ends cleanly the turn is settled against the
// user's quota, then DoneMarker is sent and the channel closed. A chunk with
// Err set short-circuits: an error marker, then DoneMarker, no settlement.
func (o *StreamOrchestrator) Run(ctx context.Context, conversationID, userID, modelID string, upstream <-chan llm.StreamChunk) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		var lastContent atomic.Int64
		lastContent.Store(time.Now().UnixNano())

		stopHeartbeat := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.heartbeatLoop(ctx, &lastContent, out, stopHeartbeat)
		}()
		// The pump below is the only closer of out; the heartbeat goroutine
		// must be stopped before out is closed.
		stopAndWait := func() {
			close(stopHeartbeat)
			wg.Wait()
		}

		var usage *llm.ResponseUsage

		for chunk := range upstream {
			if chunk.Err != nil {
				logger.Log.WithError(chunk.Err).WithField("conversation_id", conversationID).Error("Stream failed")
				stopAndWait()
				o.emit(ctx, out, ErrorPrefix+chunk.Err.Error())
				o.emit(ctx, out, DoneMarker)
				return
			}

			if chunk.Usage != nil {
				usage = chunk.Usage
			}

			if chunk.Content != "" {
				lastContent.Store(time.Now().UnixNano())
				if !o.emit(ctx, out, chunk.Content) {
					stopAndWait()
					return
				}
			}
		}

		stopAndWait()

		if ctx.Err() != nil {
			logger.Log.WithField("conversation_id", conversationID).Info("Client disconnected during stream")
			return
		}

		o.settle(conversationID, userID, modelID, usage)
		o.emit(ctx, out, DoneMarker)
	}()

	return out
}

// heartbeatLoop ticks at the heartbeat interval and emits a marker whenever
// the model has produced nothing for longer than the threshold.
func (o *StreamOrchestrator) heartbeatLoop(ctx context.Context, lastContent *atomic.Int64, out chan<- string, stop <-chan struct{}) {
	ticker := time.NewTicker(o.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastContent.Load()))
			if idle <= o.heartbeatThreshold {
				continue
			}
			select {
			case out <- HeartbeatMarker:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// emit sends one unit to the client unless the client went away first
func (o *StreamOrchestrator) emit(ctx context.Context, out chan<- string, unit string) bool {
	select {
	case out <- unit:
		return true
	case <-ctx.Done():
		return false
	}
}

// settle charges the completed turn to the user's quota and stamps the token
// counts onto the assistant message. The message is written by a concurrent
// persistence path, so a first miss on its id is expected and retried once
// after a short delay. Usage that cannot be attributed to a message is never
// charged: if the id stays unresolved the settlement is skipped and logged.
// Settlement failures are logged and swallowed: the response already
// streamed, and billing must not break the client stream.
func (o *StreamOrchestrator) settle(conversationID, userID, modelID string, usage *llm.ResponseUsage) {
	if usage == nil || usage.TotalTokens <= 0 {
		logger.Log.WithField("conversation_id", conversationID).Debug("No usage reported, skip quota settlement")
		return
	}

	messageID, err := o.memory.LatestAssistantMessageID(conversationID)
	if err != nil {
		logger.Log.WithError(err).WithField("conversation_id", conversationID).Error("Failed to resolve assistant message")
	}
	if messageID == "" {
		time.Sleep(o.settleRetryDelay)
		messageID, err = o.memory.LatestAssistantMessageID(conversationID)
		if err != nil {
			logger.Log.WithError(err).WithField("conversation_id", conversationID).Error("Failed to resolve assistant message on retry")
		}
	}
	if messageID == "" {
		logger.Log.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"total_tokens":    usage.TotalTokens,
		}).Warn("Assistant message not found, skipping quota settlement")
		return
	}

	err = o.quota.DeductAndRecord(userID, modelID, messageID,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"user_id":         userID,
			"model_id":        modelID,
			"total_tokens":    usage.TotalTokens,
		}).Error("Quota settlement failed")
	}
}
