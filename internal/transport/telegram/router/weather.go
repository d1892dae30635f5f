package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"meteobot/internal/subscription"
	"meteobot/internal/weatherbot"
)

// WeatherService is what the weather commands drive.
type WeatherService interface {
	Subscribe(ctx context.Context, room subscription.RoomID, actor weatherbot.Actor, query, fireAt string, days int) (subscription.Subscription, error)
	List(room subscription.RoomID) []subscription.Subscription
	Delete(ctx context.Context, room subscription.RoomID, actor weatherbot.Actor, index int) (subscription.Subscription, error)
	Show(ctx context.Context, query string, days int) (string, error)
	Rain(ctx context.Context, query string) (string, error)
}

// WeatherCommands builds the "weather" command group.
func WeatherCommands(svc WeatherService) []Command {
	help := func(ctx context.Context, req *Request) error { return req.Reply(ctx, HelpText()) }
	add := func(ctx context.Context, req *Request) error { return handleAdd(ctx, svc, req) }
	return []Command{
		{Route: "weather", Description: "Météo France", Handle: help},
		{Route: "help", Aliases: []string{"start"}, Description: "Aide", Handle: help},
		{
			Route:       "weather list",
			Aliases:     []string{"weather_list"},
			Description: "Villes enregistrées sur ce salon",
			Usage:       "!weather list",
			Handle:      func(ctx context.Context, req *Request) error { return handleList(ctx, svc, req) },
		},
		{
			Route:       "weather show",
			Aliases:     []string{"weather_show"},
			Description: "Météo pour une ville",
			Usage:       "!weather show VILLE [X]",
			Handle:      func(ctx context.Context, req *Request) error { return handleShow(ctx, svc, req) },
		},
		{
			Route:       "weather add",
			Aliases:     []string{"weather_add"},
			Description: "Météo quotidienne à heure fixe",
			Usage:       "!weather add VILLE HH:MM X",
			Handle:      add,
		},
		{Route: "weather subscribe", Aliases: []string{"weather_subscribe"}, Description: "Météo quotidienne à heure fixe", Usage: "!weather subscribe VILLE HH:MM X", Handle: add},
		{
			Route:       "weather delete",
			Aliases:     []string{"weather_delete"},
			Description: "Supprime une ville enregistrée",
			Usage:       "!weather delete ID",
			Handle:      func(ctx context.Context, req *Request) error { return handleDelete(ctx, svc, req) },
		},
		{
			Route:       "weather pluie",
			Aliases:     []string{"weather_pluie"},
			Description: "Pluie dans l'heure",
			Usage:       "!weather pluie VILLE",
			Handle:      func(ctx context.Context, req *Request) error { return handleRain(ctx, svc, req) },
		},
	}
}

func handleList(ctx context.Context, svc WeatherService, req *Request) error {
	subs := svc.List(req.Room)
	if len(subs) == 0 {
		return req.Reply(ctx, "Il n'y a pas d'enregistrements pour ce salon.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d enregistrements.\n", len(subs))
	for i, s := range subs {
		fmt.Fprintf(&b, "\nID: %d %s %d jours à %s", i+1, s.LocationName, s.ForecastDays, s.Fire)
	}
	return req.Reply(ctx, b.String())
}

func handleShow(ctx context.Context, svc WeatherService, req *Request) error {
	days := 1
	switch len(req.Args) {
	case 1:
	case 2:
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n < 1 {
			return errInvalidDays
		}
		days = n
	default:
		return errInvalidCommand
	}
	text, err := svc.Show(ctx, req.Args[0], days)
	if err != nil {
		return err
	}
	return req.Reply(ctx, text)
}

func handleAdd(ctx context.Context, svc WeatherService, req *Request) error {
	if len(req.Args) < 3 {
		return errInvalidCommand
	}
	city, at, rawDays := req.Args[0], req.Args[1], req.Args[2]
	if _, err := subscription.ParseFireTime(at); err != nil {
		return errInvalidTime
	}
	days, err := strconv.Atoi(rawDays)
	if err != nil || days < 1 {
		return errInvalidDays
	}
	sub, err := svc.Subscribe(ctx, req.Room, req.Actor, city, at, days)
	if err != nil {
		return err
	}
	return req.Reply(ctx, sub.LocationName+" ajouté")
}

func handleDelete(ctx context.Context, svc WeatherService, req *Request) error {
	if len(req.Args) != 1 {
		return errInvalidCommand
	}
	index, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return errInvalidIndex
	}
	if _, err := svc.Delete(ctx, req.Room, req.Actor, index); err != nil {
		return err
	}
	return req.Reply(ctx, "Ville supprimée")
}

func handleRain(ctx context.Context, svc WeatherService, req *Request) error {
	if len(req.Args) != 1 {
		return errInvalidCommand
	}
	text, err := svc.Rain(ctx, req.Args[0])
	if err != nil {
		return err
	}
	return req.Reply(ctx, text)
}
