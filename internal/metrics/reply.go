package metrics

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

// NoMetrics is the body served while nothing is registered.
const NoMetrics = "# no metrics found\n"

// ComposeReply renders the gathered metrics in the text exposition format.
func ComposeReply(g prometheus.Gatherer) (string, error) {
	families, err := g.Gather()
	if err != nil && len(families) == 0 {
		return "", fmt.Errorf("unable to gather metrics: %w", err)
	}
	if err != nil {
		logrus.WithError(err).Warn("partial metrics gathered")
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("unable to encode metric family %s: %w", mf.GetName(), err)
		}
	}

	if buf.Len() == 0 {
		logrus.Warn("no metrics found")
		return NoMetrics, nil
	}
	return buf.String(), nil
}
