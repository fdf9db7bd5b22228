package main

import (
	"log"
	"math/rand"

	ev "github.com/asaskevich/EventBus"
)

func main() {
	SetConfigDefaults()

	database := NewDatabase()
	login := NewLogin(database)
	keyring := GetOrCreateKeyring()

	bus := ev.New()
	StartEventLogger(bus, database)

	poller := NewPoller(database, keyring, bus)
	scheduler := NewScheduler(database, poller)
	if err := scheduler.Start(); err != nil {
		log.Fatal(err)
	}

	analyzer := NewAnalyzer(database, NewSpfResolver())
	StartWebAdmin(login, database, keyring, scheduler, poller, analyzer)

	// Setup the admin account if this is the first startup
	SeedData(login)

	// Wait for exit
	select {}
}

func SeedData(login Login) {
	pw := randSeq(16)
	usr, err := login.NewUser(GetString(AdminUsernameKey), pw, true)
	if err == nil {
		log.Printf("Generated admin user email: %v password %v", usr.Email, pw)
	}
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randSeq(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
