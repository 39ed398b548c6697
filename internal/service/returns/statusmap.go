package returns

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Стадии возврата.
const (
	StageRefused        = "REFUSED"
	StageStorageExpired = "STORAGE_EXPIRED"
	StageReturnCreated  = "RETURN_CREATED"
)

// Rule сопоставляет коды перевозчика со стадией возврата.
type Rule struct {
	Codes      []int  `yaml:"codes"`
	Stage      string `yaml:"stage"`
	Reason     string `yaml:"reason"`
	CODRefusal bool   `yaml:"cod_refusal"`
}

// Detection — распознанный сигнал возврата.
type Detection struct {
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
	CODRefusal bool   `json:"cod_refusal,omitempty"`
}

// StatusMap — таблица кодов Новой Почты, означающих возврат.
type StatusMap struct {
	byCode map[int]Detection
}

type statusMapFile struct {
	Statuses []Rule `yaml:"statuses"`
}

// DefaultRules — таблица по умолчанию.
func DefaultRules() []Rule {
	return []Rule{
		{Codes: []int{102, 103, 108}, Stage: StageRefused, Reason: "NP_REFUSED", CODRefusal: true},
		{Codes: []int{105}, Stage: StageStorageExpired, Reason: "NP_STORAGE_EXPIRED"},
		{Codes: []int{106}, Stage: StageReturnCreated, Reason: "NP_RETURN_CREATED"},
	}
}

// NewStatusMap строит таблицу из правил. Код не может входить в два правила.
func NewStatusMap(rules []Rule) (*StatusMap, error) {
	m := &StatusMap{byCode: make(map[int]Detection)}
	for i, rule := range rules {
		stage := strings.TrimSpace(rule.Stage)
		if stage == "" {
			return nil, fmt.Errorf("rule %d: stage is required", i)
		}
		if len(rule.Codes) == 0 {
			return nil, fmt.Errorf("rule %d (%s): codes are required", i, stage)
		}
		reason := strings.TrimSpace(rule.Reason)
		if reason == "" {
			reason = "NP_" + stage
		}
		for _, code := range rule.Codes {
			if _, dup := m.byCode[code]; dup {
				return nil, fmt.Errorf("rule %d (%s): code %d already mapped", i, stage, code)
			}
			m.byCode[code] = Detection{Stage: stage, Reason: reason, CODRefusal: rule.CODRefusal}
		}
	}
	return m, nil
}

// DefaultStatusMap возвращает таблицу по умолчанию.
func DefaultStatusMap() *StatusMap {
	m, err := NewStatusMap(DefaultRules())
	if err != nil {
		panic(err)
	}
	return m
}

// ParseStatusMap читает таблицу из YAML.
func ParseStatusMap(data []byte) (*StatusMap, error) {
	var file statusMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse status map: %w", err)
	}
	if len(file.Statuses) == 0 {
		return nil, fmt.Errorf("parse status map: no statuses defined")
	}
	return NewStatusMap(file.Statuses)
}

// LoadStatusMap читает таблицу из файла; пустой путь — таблица по умолчанию.
func LoadStatusMap(path string) (*StatusMap, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultStatusMap(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read status map %s: %w", path, err)
	}
	return ParseStatusMap(data)
}

// Detect возвращает стадию возврата для кода перевозчика.
func (m *StatusMap) Detect(code int) (Detection, bool) {
	d, ok := m.byCode[code]
	return d, ok
}
