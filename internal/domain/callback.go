package domain

type Reason string

const (
	ReasonNeedPIN            Reason = "need_pin"
	ReasonNeedTAN            Reason = "need_tan"
	ReasonNeedPassphraseLoad Reason = "need_passphrase_load"
	ReasonNeedPassphraseSave Reason = "need_passphrase_save"
	ReasonNeedCountry        Reason = "need_country"
	ReasonNeedBLZ            Reason = "need_blz"
	ReasonNeedHost           Reason = "need_host"
	ReasonNeedPort           Reason = "need_port"
	ReasonNeedUserID         Reason = "need_userid"
	ReasonNeedCustomerID     Reason = "need_customerid"
	ReasonNeedFilterType     Reason = "need_filter_type"
	ReasonNeedProxyUser      Reason = "need_proxy_user"
	ReasonNeedProxyPass      Reason = "need_proxy_pass"
	ReasonNeedTANProcedure   Reason = "need_tan_procedure"
	ReasonErrorConfirm       Reason = "error_confirm"
)

type AnswerKind string

const (
	AnswerSecret AnswerKind = "secret"
	AnswerText   AnswerKind = "text"
)

// CallbackRequest is what the engine asks of the embedding application.
type CallbackRequest struct {
	Reason  Reason
	Prompt  string
	Kind    AnswerKind
	Default string
	// Flicker holds the rendered flicker code of a TAN challenge, if one could be decoded.
	Flicker string
	Choices []string
}
