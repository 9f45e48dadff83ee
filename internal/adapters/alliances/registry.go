package alliances

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"election-pulse/internal/domain"
)

// Registry отвечает на вопросы о партиях, альянсах и округах выборного
// цикла. Конфиг грузится один раз на старте, после чего реестр
// неизменяем и безопасен для конкурентного чтения.
type Registry struct {
	alliances      []domain.AllianceInfo
	byName         map[string]string
	partyIndex     map[string]string
	incumbents     map[string]string
	districts      map[string]string
	constituencies []domain.ConstituencyInfo
}

var _ domain.AllianceRegistry = (*Registry)(nil)

type allianceFile struct {
	Alliances      []allianceConfig     `json:"alliances"`
	Constituencies []constituencyConfig `json:"constituencies,omitempty"`
	Incumbents     map[string]string    `json:"incumbents,omitempty"`
}

type allianceConfig struct {
	Key         string   `json:"key"`
	DisplayName string   `json:"display_name"`
	Color       string   `json:"color,omitempty"`
	LeaderParty string   `json:"leader_party,omitempty"`
	Parties     []string `json:"parties"`
	Keywords    []string `json:"keywords,omitempty"`
}

type constituencyConfig struct {
	Name     string `json:"name"`
	District string `json:"district"`
}

// Load читает конфиг выборного года и базового года. Файл текущего года
// даёт составы альянсов и список округов, файл базового — карту
// действующих победителей для флага перетекания.
func Load(dir string, year, baselineYear int) (*Registry, error) {
	current, err := readAllianceFile(filepath.Join(dir, fmt.Sprintf("alliances_%d.json", year)))
	if err != nil {
		return nil, fmt.Errorf("конфиг альянсов %d: %w", year, err)
	}
	baseline, err := readAllianceFile(filepath.Join(dir, fmt.Sprintf("alliances_%d.json", baselineYear)))
	if err != nil {
		return nil, fmt.Errorf("конфиг альянсов %d: %w", baselineYear, err)
	}

	r := &Registry{
		byName:     make(map[string]string),
		partyIndex: make(map[string]string),
		incumbents: make(map[string]string),
		districts:  make(map[string]string),
	}

	for _, a := range current.Alliances {
		if a.Key == "" {
			return nil, fmt.Errorf("альянс без ключа в конфиге %d", year)
		}
		info := domain.AllianceInfo{
			Key:         a.Key,
			DisplayName: a.DisplayName,
			Color:       a.Color,
			LeaderParty: a.LeaderParty,
			Parties:     a.Parties,
			Keywords:    a.Keywords,
		}
		if info.DisplayName == "" {
			info.DisplayName = a.Key
		}
		r.alliances = append(r.alliances, info)
		r.byName[domain.NormalizeAlliance(a.Key)] = a.Key
		r.byName[domain.NormalizeAlliance(info.DisplayName)] = a.Key
		for _, party := range a.Parties {
			r.partyIndex[strings.ToUpper(strings.TrimSpace(party))] = a.Key
		}
	}

	for _, c := range current.Constituencies {
		if c.Name == "" {
			continue
		}
		r.constituencies = append(r.constituencies, domain.ConstituencyInfo{Name: c.Name, District: c.District})
		r.districts[domain.NormalizeAlliance(c.Name)] = c.District
	}

	for constituency, alliance := range baseline.Incumbents {
		r.incumbents[domain.NormalizeAlliance(constituency)] = alliance
	}

	return r, nil
}

func readAllianceFile(path string) (allianceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return allianceFile{}, err
	}
	var file allianceFile
	if err := json.Unmarshal(data, &file); err != nil {
		return allianceFile{}, fmt.Errorf("разбор %s: %w", filepath.Base(path), err)
	}
	return file, nil
}

// IsAlliance сообщает, является ли имя известным альянсом текущего цикла.
func (r *Registry) IsAlliance(name string) bool {
	_, ok := r.byName[domain.NormalizeAlliance(name)]
	return ok
}

// ResolveParty возвращает альянс партии. Сначала точное совпадение,
// затем распознавание распространённых вариантов написания.
func (r *Registry) ResolveParty(party string) string {
	p := strings.ToUpper(strings.TrimSpace(party))
	if p == "" {
		return domain.AllianceUnknown
	}
	if key, ok := r.partyIndex[p]; ok {
		return key
	}

	switch {
	case p == "IND" || strings.Contains(p, "INDEPENDENT"):
		return domain.AllianceIndependent
	case strings.Contains(p, "CONGRESS") && !strings.Contains(p, "MAANILA"):
		if key, ok := r.partyIndex["INC"]; ok {
			return key
		}
	case strings.HasPrefix(p, "CPI") || strings.Contains(p, "COMMUNIST"):
		if key, ok := r.partyIndex["CPI"]; ok {
			return key
		}
	case strings.Contains(p, "ADMK"):
		if key, ok := r.partyIndex["AIADMK"]; ok {
			return key
		}
	case strings.Contains(p, "DMK"):
		if key, ok := r.partyIndex["DMK"]; ok {
			return key
		}
	}
	return domain.AllianceOthers
}

// DetectAlliance определяет альянс элемента контента. Приоритет: ярлык
// производителя, если он известен реестру; имя партии; ключевые слова в
// заголовке, описании и тегах; иначе Unknown.
func (r *Registry) DetectAlliance(item domain.ContentItem) string {
	target := strings.TrimSpace(item.TargetAlliance)
	if target != "" {
		if key, ok := r.byName[domain.NormalizeAlliance(target)]; ok {
			return key
		}
		if resolved := r.ResolveParty(target); resolved != domain.AllianceOthers && resolved != domain.AllianceUnknown {
			return resolved
		}
	}

	text := strings.ToLower(item.Title + " " + item.Description + " " + strings.Join(item.Keywords, " "))
	bestKey := ""
	bestHits := 0
	for _, a := range r.alliances {
		hits := 0
		for _, kw := range a.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestKey = a.Key
		}
	}
	if bestKey != "" {
		return bestKey
	}
	return domain.AllianceUnknown
}

// Incumbent возвращает альянс, победивший в округе на базовых выборах.
func (r *Registry) Incumbent(constituency string) string {
	return r.incumbents[domain.NormalizeAlliance(constituency)]
}

// District возвращает административный район округа.
func (r *Registry) District(constituency string) string {
	return r.districts[domain.NormalizeAlliance(constituency)]
}

// Constituencies возвращает список округов текущего цикла.
func (r *Registry) Constituencies() []domain.ConstituencyInfo {
	out := make([]domain.ConstituencyInfo, len(r.constituencies))
	copy(out, r.constituencies)
	return out
}

// Alliances возвращает список альянсов текущего цикла.
func (r *Registry) Alliances() []domain.AllianceInfo {
	out := make([]domain.AllianceInfo, len(r.alliances))
	copy(out, r.alliances)
	return out
}
