package scanning

// invoiceScanPrompt is the shared prompt used by all LLM providers for scanning invoices
const invoiceScanPrompt = `You are analyzing a GST tax invoice. Carefully read all text in the image and extract exactly what is printed. Do not calculate or correct any value; if a printed figure looks wrong, copy it as printed.

Extract:

1. **invoice_number**: the invoice or bill number.
2. **date**: the invoice date in YYYY-MM-DD format.
3. **party_name**, **party_address**: the supplier's name and address.
4. **party_tax_id**: the supplier's 15-character GSTIN, exactly as printed.
5. **items**: every billed line, in order, with description, hsn_code (HSN or SAC), quantity, unit, rate and amount.
6. **subtotal**: the taxable value before tax.
7. **tax_rate**: the GST rate in percent (for CGST + SGST, their sum).
8. **tax_amount**: the total tax charged.
9. **total**: the grand total.
10. **confidence**: for each top-level field above, an integer from 0 to 100 saying how sure you are you read it correctly.

Return ONLY valid JSON in this exact format:
{
  "invoice_number": "INV-001",
  "date": "YYYY-MM-DD",
  "party_name": "Supplier Name",
  "party_address": "Address",
  "party_tax_id": "27AAPFU0939F1ZV",
  "items": [
    {"description": "Item", "hsn_code": "8471", "quantity": 1, "unit": "pcs", "rate": 0.00, "amount": 0.00}
  ],
  "subtotal": 0.00,
  "tax_rate": 18,
  "tax_amount": 0.00,
  "total": 0.00,
  "confidence": {"invoice_number": 95, "date": 90, "party_tax_id": 80, "total": 95}
}

Important:
- Amounts must be numbers without currency symbols
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
