package toybox

import (
	"context"

	"github.com/golang/glog"
)

// Aggregation: projects the raw collection mirror into the consumer snapshot.
// Everything here is a pure read over already-synced local state, so it is
// cheap and safe to call on any polling cadence (the host coordinator polls
// every ~30s during a print, every ~5min when idle).

// GetAllData returns the current snapshot for one printer. Fails with
// *PrinterNotFoundError when the printer is absent from the synced state; the
// consumer should treat that as unknown/offline, not as fatal.
func (self *Client) GetAllData(printerId string) (*ToyBoxData, error) {
	fields, ok := self.store.Get(CollectionPrinterStates, printerId)
	if !ok {
		return nil, &PrinterNotFoundError{PrinterId: printerId}
	}
	printer := PrinterStatusFromDocument(fields)

	var current *PrintRequest
	var last *PrintRequest
	for _, document := range self.store.All(CollectionToyPrints) {
		request := PrintRequestFromDocument(document)
		if request.PrinterId != printerId {
			continue
		}
		if request.IsActivePrint() {
			if current == nil {
				current = request
			} else {
				// two active prints on one printer is a protocol anomaly;
				// keep the one that started last
				glog.Infof("[d]multiple active prints for %s (%s, %s)\n",
					printerId, current.Id, request.Id)
				if current.PrintStartTime.Before(request.PrintStartTime) {
					current = request
				}
			}
		} else if request.IsFinished() {
			if last == nil || last.PrintCompletionTime.Before(request.PrintCompletionTime) {
				last = request
			}
		}
	}

	// the printer document references its last completed print; fall back to
	// it when the request subscription has nothing terminal yet
	if last == nil && printer.LastCompletedPrint != "" {
		if document, ok := self.store.Get(CollectionToyPrints, printer.LastCompletedPrint); ok {
			last = PrintRequestFromDocument(document)
		}
	}

	return &ToyBoxData{
		Printer:              printer,
		CurrentRequest:       current,
		LastCompletedRequest: last,
	}, nil
}

// DiscoverPrinterIds reads the printers owned by the authenticated user from
// the auto-published users document. Available after Authenticate; no
// subscription needed, Meteor publishes the own user document by itself.
func (self *Client) DiscoverPrinterIds() []string {
	userId := self.UserId()
	printerIds := []string{}
	if userId == "" {
		return printerIds
	}
	user, ok := self.store.Get(CollectionUsers, userId)
	if !ok {
		return printerIds
	}
	printers, ok := user["printers"].([]any)
	if !ok {
		if profile, ok := user["profile"].(map[string]any); ok {
			printers, _ = profile["printers"].([]any)
		}
	}
	for _, entry := range printers {
		switch v := entry.(type) {
		case string:
			printerIds = append(printerIds, v)
		case map[string]any:
			if id := documentString(v, "id"); id != "" {
				printerIds = append(printerIds, id)
			} else if id := documentString(v, "_id"); id != "" {
				printerIds = append(printerIds, id)
			}
		}
	}
	return printerIds
}

// GetPrintRequestDetails fetches full print request documents by id via the
// getPrintRequestsByIds method, for requests that fell out of the
// subscription window.
func (self *Client) GetPrintRequestDetails(ctx context.Context, requestIds []string) ([]*PrintRequest, error) {
	if len(requestIds) == 0 {
		return []*PrintRequest{}, nil
	}
	result, err := self.CallMethod(
		ctx,
		MethodGetPrintRequests,
		[]any{map[string]any{"requestIds": requestIds}},
	)
	if err != nil {
		return nil, err
	}
	requests := []*PrintRequest{}
	if documents, ok := result.([]any); ok {
		for _, document := range documents {
			if fields, ok := document.(map[string]any); ok {
				requests = append(requests, PrintRequestFromDocument(fields))
			}
		}
	}
	return requests, nil
}
