// Package service wires the Job Engine, Delivery Pipeline, and Billing
// Gate into the single request-to-charge flow spec.md's data flow section
// describes: runGeneration -> deliver -> commitPostDeliveryCharge. None of
// the three collaborators imports another; this package is the only place
// that knows the full sequence, grounded on the teacher's usecase layer
// pattern of a thin service composing narrower adapters.
package service

import (
	"fmt"

	"github.com/kie-forge/genorchestrator/internal/billing"
	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/engine"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// ChatIDResolver maps a user id to the chat id the Delivery Pipeline
// should send to. The chat transport itself is out of scope (spec §1);
// most deployments can pass an identity function since user_id and
// chat_id are the same value for a single-chat-per-user bot.
type ChatIDResolver func(userID string) string

// Deliverer is the subset of the Delivery Pipeline the Service drives.
type Deliverer interface {
	Deliver(ctx domain.Context, userID, chatID string, result domain.JobResult) (bool, error)
}

// Service composes the Job Engine, a Deliverer, and the Billing Gate.
type Service struct {
	Engine   *engine.Engine
	Delivery Deliverer
	Billing  *billing.Gate
	Catalog  domain.Catalog
	Jobs     domain.JobStore
	ChatID   ChatIDResolver
	IsAdmin  func(userID string) bool
}

// New builds a Service. A nil ChatID resolver defaults to the identity
// function; a nil IsAdmin defaults to "nobody is admin".
func New(eng *engine.Engine, deliverer Deliverer, gate *billing.Gate, catalog domain.Catalog, jobs domain.JobStore, chatID ChatIDResolver, isAdmin func(string) bool) *Service {
	if chatID == nil {
		chatID = func(userID string) string { return userID }
	}
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Service{Engine: eng, Delivery: deliverer, Billing: gate, Catalog: catalog, Jobs: jobs, ChatID: chatID, IsAdmin: isAdmin}
}

// chargeInputs resolves sku_id/is_free from the job's params. The
// chat-transport collaborator is expected to stamp both into the request
// params before submission, per spec.md's "sku_id" on commitPostDeliveryCharge;
// a missing sku_id falls back to the model id itself so single-SKU models
// still price correctly.
func chargeInputs(job domain.Job) (skuID string, isFree bool) {
	skuID = job.ModelID
	if job.Params != nil {
		if v, ok := job.Params["sku_id"].(string); ok && v != "" {
			skuID = v
		}
		if v, ok := job.Params["is_free"].(bool); ok {
			isFree = v
		}
	}
	return skuID, isFree
}

// Generate runs the full submit -> poll -> deliver -> charge sequence for
// one user request. CheckAffordable runs before RunGeneration so
// InsufficientFunds surfaces before any provider spend (spec §7).
func (s *Service) Generate(ctx domain.Context, userID, modelID string, params map[string]any, opts engine.Options) (domain.JobResult, error) {
	spec, err := s.Catalog.GetModelSpec(ctx, modelID)
	if err != nil {
		return domain.JobResult{}, domain.NewCodedError(domain.ErrCodeValidation, opts.CorrelationID, "unknown model", err)
	}
	skuID := modelID
	isFree, _ := params["is_free"].(bool)
	if v, ok := params["sku_id"].(string); ok && v != "" {
		skuID = v
	}
	sku, _ := spec.FindSKU(skuID)
	isAdmin := s.IsAdmin(userID)

	if err := s.Billing.CheckAffordable(ctx, userID, skuID, sku.PriceRUB, isFree, isAdmin); err != nil {
		return domain.JobResult{}, err
	}

	result, err := s.Engine.RunGeneration(ctx, userID, modelID, params, opts)
	if err != nil {
		return domain.JobResult{}, err
	}

	job, found, err := s.Jobs.FindByRequestID(ctx, opts.RequestID)
	if err != nil || !found {
		return result, fmt.Errorf("op=service.Generate lookup job: %w", err)
	}
	if err := s.DeliverAndCharge(ctx, job, result); err != nil {
		return result, err
	}
	return result, nil
}

// DeliverAndCharge implements internal/reconciler.Deliverer: it is the
// single path both the live request flow and the Pending Reconciler use
// to take a resolved JobResult to "delivered and billed".
func (s *Service) DeliverAndCharge(ctx domain.Context, job domain.Job, result domain.JobResult) error {
	lg := observability.LoggerFromContext(ctx)
	result.TaskID = job.ProviderTaskID

	delivered, err := s.Delivery.Deliver(ctx, job.UserID, s.ChatID(job.UserID), result)
	if err != nil || !delivered {
		_ = s.Jobs.UpdateStatus(ctx, job.JobID, domain.JobFailed, domain.ErrCodeDeliveryFailed, errString(err), result.URLs, result.Text)
		if err != nil {
			return fmt.Errorf("op=service.DeliverAndCharge deliver: %w", err)
		}
		return domain.NewCodedError(domain.ErrCodeDeliveryFailed, job.JobID, "", domain.ErrProviderRequestFailed)
	}

	skuID, isFree := chargeInputs(job)
	spec, err := s.Catalog.GetModelSpec(ctx, job.ModelID)
	var price float64
	if err == nil {
		if sku, ok := spec.FindSKU(skuID); ok {
			price = sku.PriceRUB
		}
	}
	chargeErr := s.Billing.CommitPostDeliveryCharge(ctx, billing.ChargeParams{
		UserID: job.UserID, TaskID: job.ProviderTaskID, SKUID: skuID, Price: price,
		IsFree: isFree, IsAdmin: s.IsAdmin(job.UserID),
	})
	if chargeErr != nil {
		lg.Error("post-delivery charge failed", "job_id", job.JobID, "error", chargeErr)
	}

	if err := s.Jobs.UpdateStatus(ctx, job.JobID, domain.JobDelivered, "", "", result.URLs, result.Text); err != nil {
		lg.Warn("job status update to delivered failed", "job_id", job.JobID, "error", err)
	}
	return chargeErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
