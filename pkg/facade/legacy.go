package facade

import reactive "github.com/goliatone/go-reactive"

// Paths read and written by the legacy accessors.
const (
	PathGlobalData     = "globalData"
	PathDecoderOptions = "decoderOptions"
	PathTheme          = "ui.theme"
	PathActiveTab      = "ui.activeTab"
)

// Legacy exposes named accessors for callers written against the old global
// state properties. It is a compatibility layer only and holds no state.
type Legacy struct {
	facade *Facade
}

// NewLegacy wraps f.
func NewLegacy(f *Facade) *Legacy {
	return &Legacy{facade: f}
}

func (l *Legacy) GlobalData() any {
	return l.facade.Get(PathGlobalData)
}

func (l *Legacy) SetGlobalData(value any) bool {
	return l.facade.Set(PathGlobalData, value, reactive.WithSource("legacy"))
}

// DecoderOptions returns the options of one decoder category, or nil.
func (l *Legacy) DecoderOptions(category string) map[string]any {
	options, _ := l.facade.Get(reactive.JoinPath(PathDecoderOptions, category)).(map[string]any)
	return options
}

// SetDecoderOptions merges options into the category.
func (l *Legacy) SetDecoderOptions(category string, options map[string]any) bool {
	return l.facade.Set(reactive.JoinPath(PathDecoderOptions, category), options, reactive.WithMerge(), reactive.WithSource("legacy"))
}

func (l *Legacy) Theme() string {
	theme, _ := l.facade.Get(PathTheme).(string)
	return theme
}

func (l *Legacy) SetTheme(theme string) bool {
	return l.facade.Set(PathTheme, theme, reactive.WithSource("legacy"))
}

func (l *Legacy) ActiveTab() string {
	tab, _ := l.facade.Get(PathActiveTab).(string)
	return tab
}

func (l *Legacy) SetActiveTab(tab string) bool {
	return l.facade.Set(PathActiveTab, tab, reactive.WithSource("legacy"))
}
