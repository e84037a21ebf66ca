// mkfs.simplefs formats a file or block device image.
package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hfyeh/simplefs/device"
	"github.com/hfyeh/simplefs/fs"
)

func main() {
	blocks := flag.Uint("blocks", 1024, "total number of 4 KiB blocks")
	inodes := flag.Uint("inodes", 1024, "total number of inodes")
	flag.Parse()

	if flag.NArg() != 1 {
		logrus.Fatal("usage: mkfs.simplefs [-blocks n] [-inodes n] <image>")
	}
	path := flag.Arg(0)

	dev, err := device.CreateFileDevice(path, uint32(*blocks))
	if err != nil {
		logrus.WithError(err).Fatal("cannot create image")
	}
	defer dev.Close()

	if err := fs.Format(dev, uint32(*blocks), uint32(*inodes)); err != nil {
		logrus.WithError(err).Fatal("format failed")
	}
	logrus.WithField("image", path).Info("image ready")
	os.Exit(0)
}
