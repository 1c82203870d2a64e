// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command roc-boot (re)starts one roc-srv process per readout card.
//
// Usage: roc-boot [OPTIONS] [CARD1 [CARD2 [...]]]
//
// When no card is given, all the readout cards of the host are used.
// Logs are written under $ROCLOGDIR (default: /var/log/roc).
package main // import "github.com/go-lpc/roc/cmd/roc-boot"

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/roc/readout"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

var (
	dir = os.Getenv("ROCLOGDIR")

	srvCmd = flag.String("cmd", "roc-srv", "readout server command")
	doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
	doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	doMail = flag.Bool("mail", false, "enable mail alerts when a readout server dies")

	stop = make(chan os.Signal, 1)
)

func main() {
	flag.Parse()

	log.SetPrefix("roc-boot: ")
	log.SetFlags(0)

	cards := flag.Args()
	if len(cards) == 0 {
		devs, err := readout.ListCards()
		if err != nil {
			log.Fatalf("could not list readout cards: %+v", err)
		}
		for _, dev := range devs {
			cards = append(cards, dev.BDF)
		}
	}
	if len(cards) == 0 {
		log.Fatalf("no readout card to boot")
	}

	procs := make([]proc, len(cards))
	for i, card := range cards {
		procs[i] = newProc(*srvCmd, card)
	}

	var alert func(name string, err error)
	if *doMail {
		alert = alertMail
	}

	err := run(*doMon, *doFreq, procs, dir, stop, alert)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

// proc is a readout server process.
type proc struct {
	name string // unique name, used for log files
	cmd  *exec.Cmd
}

func newProc(srv, card string) proc {
	return proc{
		name: filepath.Base(srv) + "-" + strings.NewReplacer(":", "-", ".", "-").Replace(card),
		cmd:  exec.Command(srv, card),
	}
}

func run(doMon bool, freq time.Duration, procs []proc, dir string, stop chan os.Signal, alert func(name string, err error)) error {
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	killed := make(map[string]bool)
	for _, p := range procs {
		name := filepath.Base(p.cmd.Path)
		if killed[name] {
			continue
		}
		killed[name] = true
		kill := exec.Command("killall", name)
		kill.Stderr = os.Stderr
		kill.Stdout = os.Stdout
		err := kill.Run()
		if err != nil {
			log.Printf("could not kill %q: %+v", name, err)
		}
	}

	if dir == "" {
		dir = "/var/log/roc"
	}

	var (
		grp  errgroup.Group
		kill = make(chan int)
	)
	for i := range procs {
		p := procs[i]
		grp.Go(func() error {
			err := start(p, dir, kill, doMon, freq)
			if err != nil && alert != nil {
				alert(p.name, err)
			}
			return err
		})
	}

	go func() {
		<-stop
		close(kill)
	}()

	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("could not boot readout: %w", err)
	}
	return nil
}

func start(srv proc, dir string, kill chan int, doMon bool, freq time.Duration) error {
	var (
		name = srv.name
		cmd  = srv.cmd
	)
	out, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return fmt.Errorf("could not create output log file for %q: %w", name, err)
	}
	defer out.Close()

	cmd.Stdout = out
	cmd.Stderr = out

	log.Printf("starting %q...", name)
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("could not start %q: %w", name, err)
	}

	if doMon {
		p, err := pmon.Monitor(cmd.Process.Pid)
		if err != nil {
			return fmt.Errorf("could not start monitoring %q (pid=%d): %w", name, cmd.Process.Pid, err)
		}
		f, err := os.Create(filepath.Join(dir, name+"-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file for command %q: %w", name, err)
		}
		defer f.Close()
		p.W = f
		p.Freq = freq

		go func() {
			log.Printf("run pmon %q...", name)
			err := p.Run()
			if err != nil {
				log.Printf("could not start monitoring %q: %+v", name, err)
			}
		}()

		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring %q: %+v", name, err)
			}
		}()
	}

	errch := make(chan error)
	go func() {
		errch <- cmd.Wait()
	}()

	select {
	case <-kill:
		err = cmd.Process.Kill()
		if err != nil {
			return fmt.Errorf("could not kill %q: %+v", name, err)
		}
		<-errch
	case err = <-errch:
		if err != nil {
			return fmt.Errorf("could not run %q: %w", name, err)
		}
	}

	return nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(name string, err error) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 || alertMailTgts[0] == "" {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	host, _ := os.Hostname()
	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[roc-boot] process alert: %q", name))
	msg.SetBody("text/plain", alertBody(host, name, err))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err = dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func alertBody(host, name string, err error) string {
	code := -1
	var eerr *exec.ExitError
	if errors.As(err, &eerr) {
		code = eerr.ExitCode()
	}
	return fmt.Sprintf("host: %s\nprocess: %q\nexit-code: %d\nerror: %+v\n", host, name, code, err)
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
