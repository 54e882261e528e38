package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/config"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/email"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/services"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/storage"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// Task types handled by the background worker.
const (
	TypeRecapNotify       = "settlement:recap:notify"
	TypeMonthlyRecaps     = "settlement:recaps:compute_month"
	TypeWithdrawalEvent   = "withdrawal:state_changed"
	TypeWithdrawalReceipt = "withdrawal:receipt"
)

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr: rdb.Options().Addr,
		// Add Password, DB if needed from rdb.Options()
	}
	return asynq.NewClient(clientOpt)
}

// Enqueuer turns service-level domain events into queued tasks. It implements
// services.RecapNotifier and services.WithdrawalNotifier.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

// RecapNotifyPayload carries a computed recap to the notification handler.
type RecapNotifyPayload struct {
	RecapID string `json:"recap_id"`
}

// WithdrawalEventPayload carries a withdrawal state change.
type WithdrawalEventPayload struct {
	WithdrawalID string `json:"withdrawal_id"`
	Status       string `json:"status"`
}

// MonthlyRecapsPayload names the settlement month to compute, as YYYY-MM.
type MonthlyRecapsPayload struct {
	Month string `json:"month"`
}

func (e *Enqueuer) RecapComputed(ctx context.Context, recap *models.RecapMensuel) error {
	payload, err := json.Marshal(RecapNotifyPayload{RecapID: recap.ID.String()})
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeRecapNotify, payload), asynq.Queue("default"))
	return err
}

func (e *Enqueuer) WithdrawalStateChanged(ctx context.Context, withdrawal *models.WithdrawalRequest) error {
	payload, err := json.Marshal(WithdrawalEventPayload{
		WithdrawalID: withdrawal.ID.String(),
		Status:       string(withdrawal.Status),
	})
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeWithdrawalEvent, payload), asynq.Queue("critical"))
	return err
}

// EnqueueMonthlyRecaps schedules the bulk recap computation for a month.
func (e *Enqueuer) EnqueueMonthlyRecaps(ctx context.Context, month utils.Month) error {
	payload, err := json.Marshal(MonthlyRecapsPayload{Month: month.String()})
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeMonthlyRecaps, payload), asynq.Queue("low"))
	return err
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg               *config.Config
	emailSender       email.Sender
	receiptArchive    storage.IReceiptArchive
	settlementService services.ISettlementService
	withdrawalService services.IWithdrawalService
	taskClient        *asynq.Client
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	receiptArchive storage.IReceiptArchive,
	settlementService services.ISettlementService,
	withdrawalService services.IWithdrawalService,
	taskClient *asynq.Client,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:               cfg,
		emailSender:       emailSender,
		receiptArchive:    receiptArchive,
		settlementService: settlementService,
		withdrawalService: withdrawalService,
		taskClient:        taskClient,
	}
}

// SetupServer configures an Asynq server and the handler mux for it. The
// caller runs the returned server; both are nil when isBgWorker is false.
func SetupServer(rdb *redis.Client, processor *TaskProcessor, isBgWorker bool) (*asynq.Server, *asynq.ServeMux) {
	if !isBgWorker {
		// API mode doesn't run a task server, but still enqueues tasks.
		fmt.Println("Running in API mode, no task server started.")
		return nil, nil
	}

	serverOpt := asynq.RedisClientOpt{
		Addr: rdb.Options().Addr,
		// Add Password, DB if needed
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				fmt.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v\n", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRecapNotify, processor.HandleRecapNotifyTask)
	mux.HandleFunc(TypeMonthlyRecaps, processor.HandleMonthlyRecapsTask)
	mux.HandleFunc(TypeWithdrawalEvent, processor.HandleWithdrawalEventTask)
	mux.HandleFunc(TypeWithdrawalReceipt, processor.HandleWithdrawalReceiptTask)
	fmt.Println("Registered settlement task handlers.")

	return srv, mux
}

// --- Task Handlers ---

// HandleRecapNotifyTask emails the settlement summary after a recap compute.
func (p *TaskProcessor) HandleRecapNotifyTask(ctx context.Context, t *asynq.Task) error {
	var payload RecapNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal recap notify payload: %v: %w", err, asynq.SkipRetry)
	}

	recapID, err := utils.ParseSixID(payload.RecapID)
	if err != nil {
		log.Printf("Invalid RecapID in notify task payload: %s", payload.RecapID)
		return fmt.Errorf("invalid recap ID in payload: %w", asynq.SkipRetry)
	}

	recap, err := p.settlementService.FindByID(ctx, recapID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("recap not found: %w", asynq.SkipRetry)
		}
		return err
	}

	if p.cfg.NotifyEmail == "" {
		log.Printf("NOTIFY_EMAIL not configured, skipping notification for recap %s", recap.ID.String())
		return nil
	}

	subject := fmt.Sprintf("[%s] Recap %s pour bailleur %s", p.cfg.AppName, recap.Month, recap.LandlordID.String())
	body := fmt.Sprintf(
		"Recap mensuel %s\n\nBailleur: %s\nLoyers bruts: %s\nCharges deductibles: %s\nCharges bailleur: %s\nNet a payer: %s\nCommission: %s\nMontant verse: %s\nContrats: %d, paiements: %d\n",
		recap.Month, recap.LandlordID.String(),
		recap.GrossRent, recap.DeductibleCharges, recap.LandlordCharges,
		recap.NetPayable, recap.Commission, recap.AmountPaid,
		recap.ContractCount, recap.PaymentCount)

	return p.emailSender.Send(ctx, []string{p.cfg.NotifyEmail}, subject, buildRawMessage(p.cfg, p.cfg.NotifyEmail, subject, body))
}

// HandleMonthlyRecapsTask runs the bulk recap computation for one month.
func (p *TaskProcessor) HandleMonthlyRecapsTask(ctx context.Context, t *asynq.Task) error {
	var payload MonthlyRecapsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal monthly recaps payload: %v: %w", err, asynq.SkipRetry)
	}

	month, err := utils.ParseMonth(payload.Month)
	if err != nil {
		return fmt.Errorf("invalid month in payload: %v: %w", err, asynq.SkipRetry)
	}

	recaps, err := p.settlementService.ComputeAllForMonth(ctx, month)
	if err != nil {
		return err
	}
	log.Printf("Monthly recap run for %s computed %d recaps.", month, len(recaps))
	return nil
}

// HandleWithdrawalEventTask reacts to withdrawal state changes: it notifies
// the configured address and, once paid, chains the receipt archival task.
func (p *TaskProcessor) HandleWithdrawalEventTask(ctx context.Context, t *asynq.Task) error {
	var payload WithdrawalEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal withdrawal event payload: %v: %w", err, asynq.SkipRetry)
	}

	withdrawalID, err := utils.ParseSixID(payload.WithdrawalID)
	if err != nil {
		log.Printf("Invalid WithdrawalID in event payload: %s", payload.WithdrawalID)
		return fmt.Errorf("invalid withdrawal ID in payload: %w", asynq.SkipRetry)
	}

	withdrawal, err := p.withdrawalService.FindByID(ctx, withdrawalID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("withdrawal not found: %w", asynq.SkipRetry)
		}
		return err
	}

	if withdrawal.Status == models.WithdrawalStatusPaid {
		receiptPayload, mErr := json.Marshal(payload)
		if mErr != nil {
			return mErr
		}
		if _, qErr := p.taskClient.EnqueueContext(ctx, asynq.NewTask(TypeWithdrawalReceipt, receiptPayload), asynq.Queue("default")); qErr != nil {
			log.Printf("Failed to enqueue receipt task for withdrawal %s: %v", withdrawal.Number, qErr)
			return qErr
		}
	}

	if p.cfg.NotifyEmail == "" {
		return nil
	}
	subject := fmt.Sprintf("[%s] Retrait %s: %s", p.cfg.AppName, withdrawal.Number, withdrawal.Status)
	body := fmt.Sprintf("Retrait %s (bailleur %s, mois %s) est maintenant %s.\nMontant verse: %s\n",
		withdrawal.Number, withdrawal.LandlordID.String(), withdrawal.Month, withdrawal.Status, withdrawal.AmountPaid)
	return p.emailSender.Send(ctx, []string{p.cfg.NotifyEmail}, subject, buildRawMessage(p.cfg, p.cfg.NotifyEmail, subject, body))
}

// HandleWithdrawalReceiptTask renders and archives the payout receipt for a
// paid withdrawal.
func (p *TaskProcessor) HandleWithdrawalReceiptTask(ctx context.Context, t *asynq.Task) error {
	var payload WithdrawalEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal withdrawal receipt payload: %v: %w", err, asynq.SkipRetry)
	}

	withdrawalID, err := utils.ParseSixID(payload.WithdrawalID)
	if err != nil {
		return fmt.Errorf("invalid withdrawal ID in payload: %w", asynq.SkipRetry)
	}

	withdrawal, err := p.withdrawalService.FindByID(ctx, withdrawalID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("withdrawal not found: %w", asynq.SkipRetry)
		}
		return err
	}
	if withdrawal.Status != models.WithdrawalStatusPaid {
		log.Printf("Withdrawal %s is %s, not paid; skipping receipt.", withdrawal.Number, withdrawal.Status)
		return nil
	}
	if p.receiptArchive == nil {
		log.Printf("Receipt archive not configured, skipping receipt for %s.", withdrawal.Number)
		return nil
	}

	receipt := renderReceipt(p.cfg.AppName, withdrawal)
	key, err := p.receiptArchive.ArchiveReceipt(ctx, withdrawal.Number, []byte(receipt), "text/plain; charset=utf-8")
	if err != nil {
		return fmt.Errorf("failed to archive receipt for %s: %w", withdrawal.Number, err)
	}
	if err := p.withdrawalService.AttachReceipt(ctx, withdrawal.ID, key); err != nil {
		return fmt.Errorf("failed to attach receipt key to %s: %w", withdrawal.Number, err)
	}
	log.Printf("Archived receipt for withdrawal %s at %s", withdrawal.Number, key)
	return nil
}

// renderReceipt builds the plain-text payout receipt.
func renderReceipt(appName string, w *models.WithdrawalRequest) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s - Recu de retrait %s\n", appName, w.Number))
	sb.WriteString(fmt.Sprintf("Bailleur: %s\n", w.LandlordID.String()))
	sb.WriteString(fmt.Sprintf("Mois: %s\n", w.Month))
	sb.WriteString(fmt.Sprintf("Loyers bruts: %s\n", w.GrossRent))
	sb.WriteString(fmt.Sprintf("Charges deductibles: %s\n", w.DeductibleCharges))
	sb.WriteString(fmt.Sprintf("Charges bailleur: %s\n", w.LandlordCharges))
	sb.WriteString(fmt.Sprintf("Net a payer: %s\n", w.NetPayable))
	sb.WriteString(fmt.Sprintf("Commission: %s\n", w.Commission))
	sb.WriteString(fmt.Sprintf("Montant verse: %s\n", w.AmountPaid))
	if w.PaymentRef != "" {
		sb.WriteString(fmt.Sprintf("Reference: %s\n", w.PaymentRef))
	}
	if w.PaidAt != nil {
		sb.WriteString(fmt.Sprintf("Paye le: %s\n", w.PaidAt.Format(time.RFC3339)))
	}
	return sb.String()
}

// buildRawMessage assembles a minimal RFC 5322 message.
func buildRawMessage(cfg *config.Config, to, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("To: %s\r\n", to))
	sb.WriteString(fmt.Sprintf("From: %s\r\n", cfg.SmtpFromAddress))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
