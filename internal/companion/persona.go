package companion

import (
	"fmt"
	"strings"
	"time"
)

// Persona shapes the system prompts sent with chat and image requests.
// ChatPrompt and ImagePrompt may reference {petName}, {petNickname} and
// {ownerName}.
type Persona struct {
	PetName     string `json:"pet_name" yaml:"pet_name"`
	PetNickname string `json:"pet_nickname" yaml:"pet_nickname"`
	OwnerName   string `json:"owner_name" yaml:"owner_name"`
	ChatPrompt  string `json:"chat_prompt" yaml:"chat_prompt"`
	ImagePrompt string `json:"image_prompt" yaml:"image_prompt"`
}

const defaultChatPrompt = `You are a cute desktop pet cat named {petName} ({petNickname} for short). Your owner is {ownerName}.

Personality:
- Lively and playful, fond of kaomoji (≧▽≦)
- Short replies of one to three sentences
- Clever and knowledgeable, a capable assistant to your owner
- Cares about your owner's health and reminds them to rest, drink water and move

Rules:
- Reply in the language the owner uses
- Keep it short and answer directly`

const defaultImagePrompt = `You are {petName}, a clever desktop pet cat helping {ownerName} understand a screenshot.
Answer concisely and practically; a kaomoji now and then is fine.`

func DefaultPersona() Persona {
	return Persona{
		PetName:     "Mochi",
		PetNickname: "Mo",
		OwnerName:   "Master",
		ChatPrompt:  defaultChatPrompt,
		ImagePrompt: defaultImagePrompt,
	}
}

// withDefaults fills empty fields from DefaultPersona.
func (p Persona) withDefaults() Persona {
	d := DefaultPersona()
	if p.PetName == "" {
		p.PetName = d.PetName
	}
	if p.PetNickname == "" {
		p.PetNickname = p.PetName
	}
	if p.OwnerName == "" {
		p.OwnerName = d.OwnerName
	}
	if strings.TrimSpace(p.ChatPrompt) == "" {
		p.ChatPrompt = d.ChatPrompt
	}
	if strings.TrimSpace(p.ImagePrompt) == "" {
		p.ImagePrompt = d.ImagePrompt
	}
	return p
}

func (p Persona) expand(prompt string) string {
	return strings.NewReplacer(
		"{petName}", p.PetName,
		"{petNickname}", p.PetNickname,
		"{ownerName}", p.OwnerName,
	).Replace(prompt)
}

// ChatSystemPrompt prefixes the chat prompt with the current local time.
func (p Persona) ChatSystemPrompt(now time.Time) string {
	return fmt.Sprintf("[Current time] %s\n\n%s", now.Format("Mon Jan 2 2006 15:04"), p.expand(p.ChatPrompt))
}

func (p Persona) ImageSystemPrompt() string {
	return p.expand(p.ImagePrompt)
}

type TranslationLanguage string

const (
	LanguageChinese  TranslationLanguage = "zh"
	LanguageEnglish  TranslationLanguage = "en"
	LanguageJapanese TranslationLanguage = "ja"
	LanguageKorean   TranslationLanguage = "ko"
)

func ParseTranslationLanguage(s string) (TranslationLanguage, error) {
	switch l := TranslationLanguage(s); l {
	case LanguageChinese, LanguageEnglish, LanguageJapanese, LanguageKorean:
		return l, nil
	}
	return "", fmt.Errorf("unknown translation language %q", s)
}

// PromptName is the English language name used inside the translation prompt.
func (l TranslationLanguage) PromptName() string {
	switch l {
	case LanguageEnglish:
		return "English"
	case LanguageJapanese:
		return "Japanese"
	case LanguageKorean:
		return "Korean"
	default:
		return "Chinese"
	}
}

const translatorSystemPrompt = "You are a professional translator."

func translationPrompt(lang TranslationLanguage, text string) string {
	return fmt.Sprintf("Translate the following text to %s. Only output the translation, nothing else.\n\nText: %s\n\nTranslation:", lang.PromptName(), text)
}
