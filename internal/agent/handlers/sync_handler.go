package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"TallySync/internal/agent/domain"
	"TallySync/internal/agent/tally"
	"TallySync/internal/shared/models"
	"TallySync/pkg/revision"
)

// Коды ошибок, по которым backend отделяет ретраябельные сбои
// от схемных отказов
const (
	codeTallyConnect  = "tally_connect"
	codeTallyTimeout  = "tally_timeout"
	codeTallyProtocol = "tally_protocol"
	codeParseError    = "parse_error"
	codeNotFound      = "not_found"
	codeBadPayload    = "bad_payload"
	codeUnsupported   = "unsupported_entity"
)

// SyncHandler выполняет одну SyncCommand против локальной учетной системы
type SyncHandler struct {
	adapter *tally.Adapter
	agentID string
	logger  *slog.Logger
}

func NewSyncHandler(adapter *tally.Adapter, agentID string, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &SyncHandler{
		adapter: adapter,
		agentID: agentID,
		logger:  logger,
	}
}

// Execute гоняет команду через адаптер и всегда возвращает исход,
// ошибки упакованы внутрь: решает, терминальна ли ошибка, только backend
func (h *SyncHandler) Execute(ctx context.Context, cmd *models.SyncCommand) *models.SyncOutcome {
	started := time.Now()

	outcome := &models.SyncOutcome{
		TaskID:  cmd.TaskID,
		AgentID: h.agentID,
	}

	var err error
	switch cmd.Direction {
	case models.DirectionToExternal:
		err = h.push(ctx, cmd, outcome)
	case models.DirectionFromExternal:
		err = h.fetch(ctx, cmd, outcome)
	case models.DirectionBidirectional:
		// Без external id нечего сверять — сначала push;
		// иначе возвращаем внешний снимок, конфликт решает backend
		if cmd.ExternalID == "" {
			err = h.push(ctx, cmd, outcome)
		} else {
			err = h.fetch(ctx, cmd, outcome)
		}
	default:
		err = fmt.Errorf("unknown direction %q", cmd.Direction)
	}

	outcome.ResponseTimeMs = time.Since(started).Milliseconds()
	outcome.Timestamp = time.Now().UTC()

	if err != nil {
		outcome.Success = false
		outcome.Error = err.Error()
		outcome.ErrorCode = classify(err)

		h.logger.Warn("sync command failed",
			"task_id", cmd.TaskID,
			"entity_type", cmd.EntityType,
			"direction", cmd.Direction,
			"error_code", outcome.ErrorCode,
			"error", err,
		)
		return outcome
	}

	outcome.Success = true

	h.logger.Info("sync command completed",
		"task_id", cmd.TaskID,
		"entity_type", cmd.EntityType,
		"direction", cmd.Direction,
		"external_id", outcome.ExternalID,
		"response_time_ms", outcome.ResponseTimeMs,
	)

	return outcome
}

func (h *SyncHandler) push(ctx context.Context, cmd *models.SyncCommand, outcome *models.SyncOutcome) error {
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("task %s: empty payload for push", cmd.TaskID)
	}

	// Перед перезаписью уже синхронизированной сущности сверяем внешнюю
	// копию: если она ушла от последней ревизии, не пишем, а возвращаем
	// ее снимок — расхождение разбирает backend
	if cmd.ExternalID != "" && cmd.Revision != "" {
		current, err := h.currentExternal(ctx, cmd)
		if err != nil && !errors.Is(err, tally.ErrNotFound) {
			return err
		}
		if err == nil {
			currentHash := revision.MustHash(current)
			if currentHash != cmd.Revision {
				h.logger.Warn("external copy changed since last sync, push withheld",
					"task_id", cmd.TaskID,
					"external_id", cmd.ExternalID,
				)
				outcome.ExternalID = cmd.ExternalID
				outcome.Payload = current
				outcome.Revision = currentHash
				return nil
			}
		}
	}

	var externalID string
	var err error

	switch cmd.EntityType {
	case models.EntityVoucher:
		var voucher domain.Voucher
		if err := json.Unmarshal(cmd.Payload, &voucher); err != nil {
			return fmt.Errorf("task %s: decode voucher payload: %w", cmd.TaskID, errBadPayload(err))
		}
		externalID, err = h.adapter.PushVoucher(ctx, cmd.CompanyName, &voucher)

	case models.EntityStockItem:
		var item domain.StockItem
		if err := json.Unmarshal(cmd.Payload, &item); err != nil {
			return fmt.Errorf("task %s: decode stock item payload: %w", cmd.TaskID, errBadPayload(err))
		}
		externalID, err = h.adapter.PushStockItem(ctx, cmd.CompanyName, &item)

	case models.EntityLedger, models.EntityParty:
		var ledger domain.Ledger
		if err := json.Unmarshal(cmd.Payload, &ledger); err != nil {
			return fmt.Errorf("task %s: decode ledger payload: %w", cmd.TaskID, errBadPayload(err))
		}
		externalID, err = h.adapter.PushLedger(ctx, cmd.CompanyName, &ledger)

	default:
		return fmt.Errorf("task %s: %w: %s", cmd.TaskID, errUnsupported, cmd.EntityType)
	}

	if err != nil {
		return err
	}

	outcome.ExternalID = externalID
	outcome.Payload = cmd.Payload
	outcome.Revision = revision.MustHash(cmd.Payload)
	return nil
}

func (h *SyncHandler) fetch(ctx context.Context, cmd *models.SyncCommand, outcome *models.SyncOutcome) error {
	if cmd.ExternalID == "" {
		return fmt.Errorf("task %s: fetch requires external id", cmd.TaskID)
	}

	payload, err := h.currentExternal(ctx, cmd)
	if err != nil {
		return err
	}

	outcome.ExternalID = cmd.ExternalID
	outcome.Payload = payload
	outcome.Revision = revision.MustHash(payload)
	return nil
}

// currentExternal читает актуальный снимок сущности из учетной системы
func (h *SyncHandler) currentExternal(ctx context.Context, cmd *models.SyncCommand) (json.RawMessage, error) {
	var entity interface{}
	var err error

	switch cmd.EntityType {
	case models.EntityVoucher:
		entity, err = h.adapter.FetchVoucher(ctx, cmd.CompanyName, cmd.ExternalID)
	case models.EntityStockItem:
		entity, err = h.adapter.FetchStockItem(ctx, cmd.CompanyName, cmd.ExternalID)
	case models.EntityLedger, models.EntityParty:
		entity, err = h.adapter.FetchLedger(ctx, cmd.CompanyName, cmd.ExternalID)
	default:
		return nil, fmt.Errorf("task %s: %w: %s", cmd.TaskID, errUnsupported, cmd.EntityType)
	}

	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("task %s: encode fetched entity: %w", cmd.TaskID, err)
	}

	return payload, nil
}

var errUnsupported = errors.New("unsupported entity type")

type payloadError struct{ err error }

func (e *payloadError) Error() string { return e.err.Error() }
func (e *payloadError) Unwrap() error { return e.err }

func errBadPayload(err error) error { return &payloadError{err: err} }

func classify(err error) string {
	var pe *payloadError
	switch {
	case errors.Is(err, tally.ErrConnect):
		return codeTallyConnect
	case errors.Is(err, tally.ErrTimeout):
		return codeTallyTimeout
	case errors.Is(err, tally.ErrProtocol):
		return codeTallyProtocol
	case errors.Is(err, tally.ErrParse):
		return codeParseError
	case errors.Is(err, tally.ErrNotFound):
		return codeNotFound
	case errors.Is(err, errUnsupported):
		return codeUnsupported
	case errors.As(err, &pe):
		return codeBadPayload
	default:
		return "agent_error"
	}
}
