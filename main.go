// Package main is a module which serves the frame-capture and person-tracker models.
package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"

	"github.com/viam-modules/capture-tracking/capture"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: genericservice.API, Model: capture.FrameCaptureModel},
		resource.APIModel{API: genericservice.API, Model: capture.PersonTrackerModel},
	)
}
