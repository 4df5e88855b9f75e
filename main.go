package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/web"
)

const DatabaseFileName = "database.db"

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	database, err := db.Open(util.ResolveFilePath(DatabaseFileName))
	if err != nil {
		log.Fatalln(err)
	}
	defer database.Close()

	engine := activitypub.NewEngine(database, conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.StartQueueWorker(ctx)

	startServing(web.NewServer(conf, database, engine), cancel)
}

func startServing(s *web.Server, cancel context.CancelFunc) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := s.Run(); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping server")
	cancel()
}
