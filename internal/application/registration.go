package application

import (
	"context"
	"fmt"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/ports"
)

// register brings institute and user data of the security context up to
// date before the handler accepts jobs.
func (h *Handler) register(ctx context.Context) error {
	if err := h.registerInstitute(ctx); err != nil {
		return fmt.Errorf("register institute: %w", err)
	}
	if err := h.registerUser(ctx); err != nil {
		return fmt.Errorf("register user: %w", err)
	}

	if h.sec.ProtocolVersion() != h.version {
		h.logger.Info("protocol version changed", "from", h.sec.ProtocolVersion(), "to", h.version)
		h.sec.SetProtocolVersion(h.version)
	}
	if err := h.sec.Save(ctx); err != nil {
		return fmt.Errorf("save security context: %w", err)
	}

	if err := h.fetchSEPAInfo(ctx); err != nil {
		return fmt.Errorf("fetch SEPA account info: %w", err)
	}
	return nil
}

func (h *Handler) registerInstitute(ctx context.Context) error {
	if h.sec.NeedInstKeys() {
		h.logger.Info("fetching institute keys")
		if _, err := h.runStandalone(ctx, h.CreateEmptyDialog("").withPurpose(ports.PurposeInstKeys)); err != nil {
			return fmt.Errorf("fetch institute keys: %w", err)
		}
		if h.sec.NeedInstKeys() {
			return fmt.Errorf("fetch institute keys: institute sent no usable keys")
		}
	}

	if h.sec.BPD().Empty() {
		h.logger.Info("fetching bank parameter data")
		if _, err := h.runStandalone(ctx, h.CreateEmptyDialog("")); err != nil {
			return fmt.Errorf("fetch bank parameter data: %w", err)
		}
		if h.sec.BPD().Empty() {
			return fmt.Errorf("fetch bank parameter data: institute sent none")
		}
	}
	return nil
}

func (h *Handler) registerUser(ctx context.Context) error {
	if tan, ok := h.sec.(passport.TANContext); ok {
		code, err := tan.SelectTANProcedure(ctx)
		if err != nil {
			return fmt.Errorf("select TAN procedure: %w", err)
		}
		h.logger.Debug("TAN procedure selected", "procedure", code)
	}

	if h.sec.NeedUserKeys() {
		if err := h.NewKeys(ctx); err != nil {
			return err
		}
	}

	sysID := h.sec.Identity().SysID
	if h.sec.SysIDSyncRequested() || (h.sec.Variant() != domain.VariantAnonymous && (sysID == "" || sysID == "0")) {
		h.logger.Info("synchronizing system id")
		if _, err := h.runStandalone(ctx, h.CreateEmptyDialog("").withPurpose(ports.PurposeSyncSysID)); err != nil {
			return fmt.Errorf("synchronize system id: %w", err)
		}
	}
	if h.sec.SigIDSyncRequested() {
		h.logger.Info("synchronizing signature id")
		if _, err := h.runStandalone(ctx, h.CreateEmptyDialog("").withPurpose(ports.PurposeSyncSigID)); err != nil {
			return fmt.Errorf("synchronize signature id: %w", err)
		}
	}
	h.sec.ClearSyncRequests()

	if h.sec.UPD().Empty() && h.sec.Variant() != domain.VariantAnonymous {
		h.logger.Info("fetching user parameter data")
		if _, err := h.runStandalone(ctx, h.CreateEmptyDialog("")); err != nil {
			return fmt.Errorf("fetch user parameter data: %w", err)
		}
		if h.sec.UPD().Empty() {
			return fmt.Errorf("fetch user parameter data: institute sent none")
		}
	}
	return nil
}

// fetchSEPAInfo fills IBAN and BIC into the UPD accounts once per UPD.
func (h *Handler) fetchSEPAInfo(ctx context.Context) error {
	upd := h.sec.UPD()
	if upd.Empty() || upd.Get(domain.ParamFetchedSEPA) != "" {
		return nil
	}
	if _, ok := h.sec.BPD().SupportedJobs()["SEPAInfo"]; !ok {
		return nil
	}

	job, err := h.NewJob(JobSEPAInfo)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if err := job.Build(h.faultHandler(ctx)); err != nil {
		return err
	}
	if err := job.Enqueue(); err != nil {
		return err
	}

	d := h.CreateEmptyDialog("")
	d.add(job)
	if _, err := h.runStandalone(ctx, d); err != nil {
		return err
	}
	if err := job.Result().Err(); err != nil {
		return err
	}
	return h.sec.Save(ctx)
}
