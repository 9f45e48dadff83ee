package domain

// AllianceUnknown — альянс для контента, который не удалось отнести
// ни к одному известному альянсу. Такой контент всё равно обрабатывается.
const AllianceUnknown = "Unknown"

// AllianceIndependent — псевдоальянс независимых кандидатов.
const AllianceIndependent = "Independent"

// AllianceOthers — псевдоальянс партий вне известных альянсов.
const AllianceOthers = "Others"

// ConstituencyStateWide — псевдоокруг для контента без географической привязки.
const ConstituencyStateWide = "State_Wide"

// AllianceInfo — справочные данные альянса из конфигурации выборного года.
type AllianceInfo struct {
	Key         string   `json:"key"`
	DisplayName string   `json:"display_name"`
	Color       string   `json:"color"`
	LeaderParty string   `json:"leader_party,omitempty"`
	Parties     []string `json:"parties"`
	Keywords    []string `json:"keywords,omitempty"`
}

// ConstituencyInfo — округ из справочника с привязкой к дистрикту.
type ConstituencyInfo struct {
	Name     string `json:"name"`
	District string `json:"district"`
}

// AllianceRegistry — справочник альянсов, партий и округов выборного года.
type AllianceRegistry interface {
	// ResolveParty сопоставляет партию альянсу, с нечётким поиском по
	// распространённым вариантам написания. Неизвестные партии дают "Others".
	ResolveParty(party string) string
	// IsAlliance сообщает, известен ли альянс с таким ключом.
	IsAlliance(name string) bool
	// DetectAlliance определяет альянс элемента: ярлык производителя, если
	// он известен, затем имя партии, затем ключевые слова в тексте.
	// Нераспознанный элемент относится к AllianceUnknown.
	DetectAlliance(item ContentItem) string
	// Incumbent возвращает альянс, победивший в округе на прошлых выборах.
	Incumbent(constituency string) string
	// District возвращает дистрикт округа из справочника.
	District(constituency string) string
	// Constituencies возвращает полный список округов.
	Constituencies() []ConstituencyInfo
	// Alliances возвращает справочные данные всех альянсов.
	Alliances() []AllianceInfo
}
