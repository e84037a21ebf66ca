// fsck.simplefs checks an unmounted image for consistency.
package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hfyeh/simplefs/device"
	"github.com/hfyeh/simplefs/fs"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		logrus.Fatal("usage: fsck.simplefs <image>")
	}
	path := flag.Arg(0)

	dev, err := device.OpenFileDevice(path)
	if err != nil {
		logrus.WithError(err).Fatal("cannot open image")
	}
	defer dev.Close()

	problems, err := fs.Check(dev)
	if err != nil {
		logrus.WithError(err).Fatal("check aborted")
	}
	for _, p := range problems {
		logrus.Warn(p)
	}
	if len(problems) > 0 {
		logrus.WithField("problems", len(problems)).Error("volume is inconsistent")
		os.Exit(1)
	}
	logrus.Info("volume is clean")
}
