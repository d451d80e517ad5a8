package lexicon

import (
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// DetailURL returns the public page of a record
func DetailURL(baseURL string, ref model.Ref) string {
	var section string
	switch ref.Kind {
	case model.KindWord:
		section = "words"
	case model.KindKanji:
		section = "kanjis"
	case model.KindSentence:
		section = "sentences"
	}
	return baseURL + "/" + section + "/" + ref.ID
}

// Render converts a record into the map handed to the model
func Render(e model.Entity, baseURL string) map[string]any {
	view := map[string]any{
		"kind":       string(e.Kind()),
		"id":         e.EntityID(),
		"summary":    e.Summary(),
		"detail_url": DetailURL(baseURL, model.RefOf(e)),
	}

	put := func(key, value string) {
		if value != "" {
			view[key] = value
		}
	}

	switch v := e.(type) {
	case *model.Word:
		put("name", v.Name)
		put("hiragana", v.Hiragana)
		put("english", v.English)
		put("vietnamese", v.Vietnamese)
		put("chinese", v.Chinese)
		put("korean", v.Korean)
		if v.Level > 0 {
			view["level"] = v.Level
		}
	case *model.Kanji:
		put("character", v.Character)
		put("meaning", v.Meaning)
		put("reading", v.Reading)
		if v.Strokes > 0 {
			view["strokes"] = v.Strokes
		}
	case *model.Sentence:
		put("japanese", v.Japanese)
		put("furigana", v.Furigana)
		put("english", v.English)
		if v.Level > 0 {
			view["level"] = v.Level
		}
	}

	return view
}
