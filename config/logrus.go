package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetLevel(logLevelFromEnv())
	logg.SetOutput(os.Stdout)
}

// logLevelFromEnv reads LOG_LEVEL (debug, info, warn, error). Errors only by default.
func logLevelFromEnv() logrus.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return logrus.ErrorLevel
	}
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.ErrorLevel
	}
	return lvl
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}

// LogMatch writes one line per match evaluation so outcomes can be followed per invoice.
func LogMatch(logger *logrus.Logger, businessId string, invoiceId int, purchaseOrderId int, overall string, discrepancies int) {
	logger.WithFields(logrus.Fields{
		"module":            "matching",
		"business_id":       businessId,
		"invoice_id":        invoiceId,
		"purchase_order_id": purchaseOrderId,
		"overall_status":    overall,
		"discrepancies":     discrepancies,
	}).Info("invoice matched")
}
