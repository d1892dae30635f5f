package router

import "strings"

var helpLines = []string{
	"Commandes Météo France",
	"!weather list: Donne toutes les villes enregistrées sur ce salon",
	"!weather show [VILLE] [X]: Donne la météo actuelle pour la ville maintenant, ou pour les X prochains jours",
	"!weather add [VILLE] [HEURE HH:MM] [X]: Donne la météo des X jours suivants tous les jours à l'heure donnée",
	"!weather delete [ID]: Supprime une ville déjà enregistrée",
	"!weather pluie [VILLE]: Donne la pluie prévue dans l'heure",
}

// HelpText is shown on a bare or unknown command and when the bot joins a room.
func HelpText() string { return strings.Join(helpLines, "\n") }
