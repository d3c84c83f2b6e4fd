package ports

// PainGenerator renders a SEPA document for a job's flat parameters.
type PainGenerator interface {
	Generate(version string, params map[string]string) ([]byte, error)
}
