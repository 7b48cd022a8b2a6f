package telemetry

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestStartAndStop(t *testing.T) {
	exporter, err := Start(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, exporter, test.ShouldNotBeNil)
	exporter.Stop()

	exporter, err = Start(time.Second)
	test.That(t, err, test.ShouldBeNil)
	exporter.Stop()
}
