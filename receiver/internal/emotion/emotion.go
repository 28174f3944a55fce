package emotion

import (
	"math"
)

// Label - метка эмоции
type Label string

const (
	Neutral  Label = "neutral"
	Happy    Label = "happy"
	Surprise Label = "surprise"
	Sad      Label = "sad"
	Angry    Label = "angry"
)

// Labels задает фиксированный порядок меток. Он же приоритет при равенстве.
var Labels = [5]Label{Neutral, Happy, Surprise, Sad, Angry}

// Index возвращает позицию метки в Labels или -1
func Index(l Label) int {
	for i, label := range Labels {
		if label == l {
			return i
		}
	}
	return -1
}

// ParseLabel проверяет строку на допустимую метку
func ParseLabel(s string) (Label, bool) {
	l := Label(s)
	return l, Index(l) >= 0
}

// Distribution - проценты по меткам в порядке Labels (сумма ~100)
type Distribution [5]float64

// Default возвращает распределение по умолчанию: neutral 100
func Default() Distribution {
	return Distribution{100, 0, 0, 0, 0}
}

func (d Distribution) Get(l Label) float64 {
	i := Index(l)
	if i < 0 {
		return 0
	}
	return d[i]
}

// Dominant возвращает argmax; при равенстве побеждает метка раньше в Labels
func (d Distribution) Dominant() Label {
	best := 0
	for i := 1; i < len(d); i++ {
		if d[i] > d[best] {
			best = i
		}
	}
	return Labels[best]
}

// Map переводит распределение в map с ключами-метками
func (d Distribution) Map() map[Label]float64 {
	out := make(map[Label]float64, len(Labels))
	for i, l := range Labels {
		out[l] = d[i]
	}
	return out
}

// DominantOf выбирает argmax из map с тем же правилом равенства
func DominantOf(values map[Label]float64) Label {
	var d Distribution
	for i, l := range Labels {
		d[i] = values[l]
	}
	return d.Dominant()
}

// Round округляет до заданного числа знаков
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
