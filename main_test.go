package roomkit

import (
	"flag"
	"os"
	"testing"

	"github.com/pion/logging"
)

// testLoggerFactory honors the PIONS_LOG_* variables set in TestMain.
var testLoggerFactory logging.LoggerFactory

func TestMain(m *testing.M) {
	os.Setenv("stderrthreshold", "DEBUG")
	// os.Setenv("PIONS_LOG_TRACE", "roomkit")
	os.Setenv("PIONS_LOG_DEBUG", "roomkit")
	os.Setenv("PIONS_LOG_WARN", "roomkit")
	os.Setenv("PIONS_LOG_ERROR", "roomkit")

	flag.Parse()

	testLoggerFactory = logging.NewDefaultLoggerFactory()

	os.Exit(m.Run())
}
