package retrieval

import (
	"context"
	"fmt"
	"time"
)

// SeedDocuments is the starter corpus loaded by `meetwise serve --seed`:
// the product catalog entries advisors asked about most, plus the
// compliance guidance that must win ties against them.
func SeedDocuments(now time.Time) []Document {
	docs := []Document{
		{
			ID:          "catalog-wealth-planning",
			SourceLabel: "Product Catalog 2025: Wealth Planning",
			Tier:        TierCatalog,
			Content: "For inheritance planning we offer Wealth Planning Advisory, Trust and Estate Planning solutions " +
				"and tax-optimized investment structures. These help clients reduce estate taxes and plan a smooth wealth transfer.",
		},
		{
			ID:          "catalog-tax-solutions",
			SourceLabel: "Product Catalog 2025: Tax Solutions",
			Tier:        TierCatalog,
			Content: "Tax planning solutions include Tax-Optimized Portfolios, Municipal Bond Strategies and International Tax Advisory. " +
				"Specialists help optimize tax efficiency across multiple jurisdictions.",
		},
		{
			ID:          "catalog-sustainable",
			SourceLabel: "Product Catalog 2025: Sustainable Investing",
			Tier:        TierCatalog,
			Content: "Sustainable investment products include ESG-focused mutual funds, impact investing strategies and sustainable " +
				"private banking solutions that align with client values while keeping returns competitive.",
		},
		{
			ID:          "catalog-risk",
			SourceLabel: "Product Catalog 2025: Risk Management",
			Tier:        TierCatalog,
			Content: "Risk management solutions cover portfolio diversification strategies, hedging instruments, currency risk " +
				"management and alternative investment platforms that reduce overall portfolio volatility.",
		},
		{
			ID:          "compliance-tax-advice",
			SourceLabel: "Compliance Requirements: Tax Advice",
			Tier:        TierCompliance,
			Content: "Advisors must not give binding tax advice. Tax planning discussions must be documented and referred to a " +
				"qualified tax specialist before any tax-optimized product is recommended.",
		},
		{
			ID:          "compliance-kyc",
			SourceLabel: "Compliance Requirements: KYC Refresh",
			Tier:        TierCompliance,
			Content: "Know Your Customer documentation must be refreshed before it expires. No new investment proposal may be " +
				"executed for a client whose KYC documentation has expired.",
		},
		{
			ID:          "regulatory-suitability",
			SourceLabel: "Wealth Management Guidelines: Suitability",
			Tier:        TierRegulatory,
			Content: "Every investment recommendation requires a current risk tolerance questionnaire. Concentration above the " +
				"sector threshold must be disclosed to the client and a diversification review scheduled.",
		},
	}
	for i := range docs {
		docs[i].IndexedAt = now.UTC()
	}
	return docs
}

// Seed indexes docs into idx.
func Seed(ctx context.Context, idx Indexer, docs []Document) error {
	for _, doc := range docs {
		if err := idx.Index(ctx, doc); err != nil {
			return fmt.Errorf("seed %s: %w", doc.ID, err)
		}
	}
	return nil
}
