// Package offermatch decides whether a single Mesos offer satisfies a
// declared broker, and extracts the port this scheduler would assign it.
package offermatch

import (
	"fmt"
	"time"

	mesos "github.com/mesos/mesos-go/mesosproto"

	"github.com/mesosbroker/broker-scheduler/internal/domain"
)

// MalformedOfferError signals an offer with no usable port range: it is
// fatal for that one launch attempt, not for the scheduler process.
type MalformedOfferError struct {
	OfferId string
}

func (e *MalformedOfferError) Error() string {
	return fmt.Sprintf("offer %s has no usable port range", e.OfferId)
}

// ExtractResources scans an offer's resource list once, aggregating the
// scalar cpus/mem and picking the first range of the first "ports"
// resource.
func ExtractResources(offer *mesos.Offer) domain.OfferResources {
	var res domain.OfferResources
	seenPorts := false
	for _, r := range offer.GetResources() {
		switch r.GetName() {
		case "cpus":
			res.Cpus += r.GetScalar().GetValue()
		case "mem":
			res.Mem += int64(r.GetScalar().GetValue())
		case "ports":
			if seenPorts {
				continue
			}
			seenPorts = true
			ranges := r.GetRanges().GetRange()
			if len(ranges) > 0 && ranges[0].GetEnd() >= ranges[0].GetBegin() {
				res.HasPorts = true
				res.PortBegin = int32(ranges[0].GetBegin())
				res.PortEnd = int32(ranges[0].GetEnd())
			}
		}
	}
	return res
}

// SelectPort returns the port this scheduler would assign a broker
// launched against offer: the begin value of the first ports range. It
// returns MalformedOfferError when the offer carries no usable range.
func SelectPort(offer *mesos.Offer) (int32, error) {
	res := ExtractResources(offer)
	if !res.HasPorts {
		return 0, &MalformedOfferError{OfferId: offer.GetId().GetValue()}
	}
	return res.PortBegin, nil
}

// Acceptable reports whether offer can be used to launch b: b must be
// active, not already running a task, matching the offer's resources, and
// not currently waiting out a backoff window. The failover retry budget is
// not checked here: a broker that exhausts it is deactivated, and becomes
// acceptable again once it is reactivated.
func Acceptable(b *domain.Broker, offer *mesos.Offer, now time.Time) bool {
	if !b.Active || b.Task != nil {
		return false
	}
	if b.Failover.IsWaitingDelay(now) {
		return false
	}
	return b.Matches(ExtractResources(offer))
}
