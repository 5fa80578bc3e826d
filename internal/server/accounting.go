package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/streampay/internal/ledger/domain"
)

type balanceView struct {
	Account  string `json:"account"`
	OwnerID  string `json:"ownerId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Entries  int64  `json:"entries"`
}

func newBalanceView(b ledgerdomain.Balance) balanceView {
	return balanceView{
		Account:  string(b.Code),
		OwnerID:  b.OwnerID,
		Amount:   b.Amount,
		Currency: ledgerdomain.DefaultCurrency,
		Entries:  b.Entries,
	}
}

// GetCreatorEarnings returns the creator's payable balance across all
// confirmed settlements.
func (s *Server) GetCreatorEarnings(c *gin.Context) {
	s.respondBalance(c, ledgerdomain.AccountCodeCreatorPayable, c.Param("creatorId"))
}

func (s *Server) GetViewerSpend(c *gin.Context) {
	s.respondBalance(c, ledgerdomain.AccountCodeViewerSpend, c.Param("viewerPubkey"))
}

func (s *Server) GetPlatformRevenue(c *gin.Context) {
	s.respondBalance(c, ledgerdomain.AccountCodePlatformRevenue, ledgerdomain.PlatformOwner)
}

func (s *Server) respondBalance(c *gin.Context, code ledgerdomain.LedgerAccountCode, ownerID string) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		AbortWithError(c, ledgerdomain.ErrInvalidAccount)
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), code, ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newBalanceView(balance))
}
