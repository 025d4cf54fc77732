package main

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cloudkucooland/shellylock"
	"github.com/cloudkucooland/shellylock/accessory"
	"github.com/cloudkucooland/shellylock/config"
	"github.com/cloudkucooland/shellylock/platform"

	"github.com/brutella/hc/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	var dir, file string
	var debug bool

	app := cli.App{
		Name:  "shellylock",
		Usage: "present Shelly switches as HomeKit door locks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dir",
				Value:       "config",
				Usage:       "configuration directory",
				Destination: &dir,
			},
			&cli.StringFlag{
				Name:        "config",
				Value:       "server.json",
				Usage:       "configuration file",
				Destination: &file,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "verbose logging",
				Destination: &debug,
			},
		},
		Action: func(c *cli.Context) error {
			if debug {
				log.Debug.Enable()
			}

			conf, err := loadConfig(dir, file)
			if err != nil {
				return err
			}

			// spin up platforms to listen to devices
			shellylock.BootstrapPlatforms(conf)

			// load accessory configs
			accs, err := loadAccessories(filepath.Join(conf.ConfigDir, "accessories"))
			if err != nil {
				return err
			}
			for _, acc := range accs {
				// already logged, keep going with the rest
				_ = shellylock.AddAccessory(acc)
			}

			// HC can only be started once all accessories are known
			if err := shellylock.StartHC(conf); err != nil {
				platform.ShutdownAllPlatforms()
				return err
			}

			// run all the background processes
			platform.Background()

			// wait for signal to shut down
			sigch := make(chan os.Signal, 3)
			signal.Notify(sigch, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP, os.Interrupt)

			// loop until signal sent
			sig := <-sigch

			log.Info.Printf("shutdown requested by signal: %s", sig)
			platform.ShutdownAllPlatforms()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Info.Panic(err)
	}
}

func loadConfig(dir, file string) (*config.Config, error) {
	fulldir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get config directory %s", dir)
	}
	cfd := filepath.Join(fulldir, file)
	raw, err := ioutil.ReadFile(cfd)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config")
	}

	var conf config.Config
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, errors.Wrapf(err, "bad config %s", cfd)
	}

	conf.ConfigDir = fulldir
	conf.ConfigFile = cfd
	return &conf, nil
}

// loadAccessories reads every *.json in dir; bad files are logged and skipped
func loadAccessories(dir string) ([]*accessory.TFAccessory, error) {
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read accessories")
	}

	var accs []*accessory.TFAccessory
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		acc, err := fileToAccessory(filepath.Join(dir, f.Name()), f.Name())
		if err != nil {
			log.Info.Println(err.Error())
			continue
		}
		accs = append(accs, acc)
	}
	return accs, nil
}

func fileToAccessory(file string, name string) (*accessory.TFAccessory, error) {
	raw, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open accessory config file")
	}

	var acc accessory.TFAccessory
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, errors.Wrapf(err, "bad accessory config %s", file)
	}

	acc.Name = name[:strings.LastIndex(name, ".")]
	return &acc, nil
}
