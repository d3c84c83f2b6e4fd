package domain

import (
	"sort"
	"strconv"
	"strings"
)

const (
	ParamVersion     = "version"
	UnsetVersion     = "0"
	ParamMaxTasks    = "maxgvpermsg"
	ParamMaxSizeKB   = "maxmsgsize"
	ParamInstName    = "name"
	ParamFetchedSEPA = "_fetchedSEPA"

	jobsPrefix     = "jobs."
	pintanPrefix   = "pintan."
	twostepPrefix  = "twostep."
	accountsPrefix = "accounts."
)

// Params holds cached bank (BPD) or user (UPD) parameter data as flat dotted keys.
type Params map[string]string

func (p Params) Empty() bool {
	return len(p) == 0
}

func (p Params) Version() string {
	if v := p[ParamVersion]; v != "" {
		return v
	}
	return UnsetVersion
}

func (p Params) Get(key string) string {
	return p[key]
}

func (p Params) Int(key string, fallback int) int {
	raw, ok := p[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MaxTasksPerMessage returns 0 when the institute sets no limit.
func (p Params) MaxTasksPerMessage() int {
	return p.Int(ParamMaxTasks, 0)
}

func (p Params) MaxMessageSizeKB() int {
	return p.Int(ParamMaxSizeKB, 0)
}

// SupportedJobs maps each lowlevel job offered by the institute to its highest version.
func (p Params) SupportedJobs() map[string]string {
	jobs := map[string]string{}
	for k, v := range p {
		if !strings.HasPrefix(k, jobsPrefix) {
			continue
		}
		name := strings.TrimPrefix(k, jobsPrefix)
		if strings.Contains(name, ".") {
			continue
		}
		jobs[name] = highestVersion(v)
	}
	return jobs
}

func (p Params) JobVersions(name string) []string {
	raw, ok := p[jobsPrefix+name]
	if !ok {
		return nil
	}
	return splitList(raw)
}

func (p Params) JobRestrictions(name string) map[string]string {
	prefix := jobsPrefix + name + "."
	restrictions := map[string]string{}
	for k, v := range p {
		if strings.HasPrefix(k, prefix) {
			restrictions[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return restrictions
}

// PinTanInfo reports whether an operation code needs a TAN: "J", "N" or "" when unknown.
func (p Params) PinTanInfo(code string) string {
	return p[pintanPrefix+code]
}

type TANProcedure struct {
	Code      string
	Name      string
	InputInfo string
}

func (p Params) TANProcedure(code string) (TANProcedure, bool) {
	name, ok := p[twostepPrefix+code+".name"]
	if !ok {
		return TANProcedure{}, false
	}
	return TANProcedure{
		Code:      code,
		Name:      name,
		InputInfo: p[twostepPrefix+code+".inputinfo"],
	}, true
}

func (p Params) TANProcedures() []TANProcedure {
	seen := map[string]bool{}
	var procedures []TANProcedure
	for _, k := range p.Keys() {
		if !strings.HasPrefix(k, twostepPrefix) || !strings.HasSuffix(k, ".name") {
			continue
		}
		code := strings.TrimSuffix(strings.TrimPrefix(k, twostepPrefix), ".name")
		if seen[code] {
			continue
		}
		seen[code] = true
		if proc, ok := p.TANProcedure(code); ok {
			procedures = append(procedures, proc)
		}
	}
	return procedures
}

// Accounts reads the account list of a UPD.
func (p Params) Accounts() []Account {
	indexes := map[int]bool{}
	for k := range p {
		if !strings.HasPrefix(k, accountsPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, accountsPrefix)
		idx, _, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		indexes[n] = true
	}

	ordered := make([]int, 0, len(indexes))
	for n := range indexes {
		ordered = append(ordered, n)
	}
	sort.Ints(ordered)

	accounts := make([]Account, 0, len(ordered))
	for _, n := range ordered {
		prefix := accountsPrefix + strconv.Itoa(n) + "."
		accounts = append(accounts, Account{
			Number:     p[prefix+"number"],
			SubNumber:  p[prefix+"subnumber"],
			IBAN:       p[prefix+"iban"],
			BIC:        p[prefix+"bic"],
			Currency:   p[prefix+"curr"],
			Name:       p[prefix+"name"],
			CustomerID: p[prefix+"customerid"],
			Country:    p[prefix+"country"],
			BLZ:        p[prefix+"blz"],
		})
	}
	return accounts
}

// SetAccountSEPA writes IBAN and BIC onto the account with the given number.
func (p Params) SetAccountSEPA(number, iban, bic string) bool {
	for k, v := range p {
		if !strings.HasPrefix(k, accountsPrefix) || !strings.HasSuffix(k, ".number") || v != number {
			continue
		}
		prefix := strings.TrimSuffix(k, "number")
		p[prefix+"iban"] = iban
		p[prefix+"bic"] = bic
		return true
	}
	return false
}

func (p Params) AccountByIBAN(iban string) (Account, bool) {
	for _, acc := range p.Accounts() {
		if strings.EqualFold(acc.IBAN, iban) {
			return acc, true
		}
	}
	return Account{}, false
}

func highestVersion(raw string) string {
	best := ""
	bestN := -1
	for _, v := range splitList(raw) {
		n, err := strconv.Atoi(v)
		if err != nil {
			if best == "" {
				best = v
			}
			continue
		}
		if n > bestN {
			best, bestN = v, n
		}
	}
	return best
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
