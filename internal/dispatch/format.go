package dispatch

import (
	"strconv"
	"strings"

	"meteobot/internal/weather"
)

// Report renders forecast records the way every message shows them.
func Report(fc []weather.Forecast) string {
	var b strings.Builder
	for _, f := range fc {
		b.WriteString("\n\n")
		b.WriteString(f.Date.Format("2006-01-02"))
		b.WriteString(" ")
		b.WriteString(f.Moment)
		b.WriteString(": ")
		b.WriteString(f.Description)
		b.WriteString("\nDétails:\n")
		b.WriteString("Vent: " + num(f.WindSpeed) + "km/h (Rafales: " + num(f.GustSpeed) + "km/h)\n")
		b.WriteString("Températures: minimum " + num(f.TempMin) + "°C maximum: " + num(f.TempMax) + "°C\n")
		b.WriteString("Indice UV: " + num(f.UVIndex) + "\n")
		b.WriteString("Pluie: " + num(f.RainProb) + "% Neige: " + num(f.SnowProb) + "% Gel:" + num(f.FrostProb) + "%")
	}
	return b.String()
}

// ScheduledMessage is the text delivered when a subscription fires.
func ScheduledMessage(locationName string, fc []weather.Forecast) string {
	return "Météo de " + locationName + ":\n" + Report(fc)
}

// ShowMessage answers an on-demand forecast request.
func ShowMessage(days int, cityName string, fc []weather.Forecast) string {
	return "Météo pour les " + strconv.Itoa(days) + " prochains jours à " + cityName + "\n" + Report(fc)
}

// RainMessage renders the next-hour rain slots.
func RainMessage(cityName string, rf weather.RainForecast) string {
	var b strings.Builder
	b.WriteString("Pluie dans l'heure à " + cityName + ":")
	for _, line := range rf.Summary {
		b.WriteString("\n" + line)
	}
	for _, s := range rf.Slots {
		b.WriteString("\n" + s.Begin.Format("15:04") + "-" + s.End.Format("15:04") + ": " + s.Text)
	}
	return b.String()
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
